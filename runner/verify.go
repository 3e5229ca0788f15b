package runner

// Expected is the value C[i] must hold after the run
func Expected(i int) int32 { return int32(2 * i) }

// FirstMismatch returns the first index whose output differs from A[i]+B[i],
// or -1 when every element matches.
func FirstMismatch(host *HostBuffers) int {
	for i := 0; i < host.N; i++ {
		if host.C[i] != Expected(i) {
			return i
		}
	}
	return -1
}

// Verify reports whether C[i] == 2*i for every i
func Verify(host *HostBuffers) bool {
	return FirstMismatch(host) < 0
}
