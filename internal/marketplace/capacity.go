package marketplace

// CanAccept reports whether one more worker fits. accepted must be read
// immediately before the acceptance is committed, never from a cached view.
func CanAccept(accepted, slots int) bool {
	return accepted < slots
}
