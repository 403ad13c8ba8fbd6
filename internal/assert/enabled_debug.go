//go:build netenginedebug

package assert

// Enabled turns contract violations into panics.
const Enabled = true
