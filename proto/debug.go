//go:build kafkadebug

package proto

import "fmt"

func checkWrittenSize(name string, written, expected int) {
	if written != expected {
		panic(fmt.Sprintf("%s: wrote %d bytes, computed size is %d", name, written, expected))
	}
}
