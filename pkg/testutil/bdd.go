package testutil

import "testing"

// Given and Then name the setup and assertion phases of scenario tests as
// subtests, so a failure reports which phase of the flow broke.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Given", desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Then", desc, fn)
}

func step(t *testing.T, phase, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run(phase+" "+desc, fn)
}
