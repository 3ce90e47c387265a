package udi

import "fmt"

func signalName(sig uint32) string {
	return fmt.Sprintf("signal(%d)", sig)
}
