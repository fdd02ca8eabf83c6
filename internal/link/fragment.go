package link

// fragmentPayload splits payload into the minimum number of chunks of
// at most maxPayload bytes. A zero-length payload still produces one
// (empty) fragment, so an empty message round-trips identically.
func fragmentPayload(payload []byte, maxPayload int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	total := (len(payload) + maxPayload - 1) / maxPayload
	frags := make([][]byte, 0, total)
	for start := 0; start < len(payload); start += maxPayload {
		end := start + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, payload[start:end])
	}
	return frags
}
