//go:build !linux

package main

import "fmt"

func pinToCPU(cpu int) error {
	return fmt.Errorf("cpu pinning is only supported on linux")
}
