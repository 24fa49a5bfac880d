package server

// Mock token generation for testing. Returns a function to undo the mocking.
func MockTokens(tokens ...string) func() {
	var i int
	oldNewToken := newToken
	undo := func() { newToken = oldNewToken }
	newToken = func() string {
		token := tokens[i]
		i++
		return token
	}
	return undo
}
