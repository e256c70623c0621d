//go:build !kafkadebug

package proto

func checkWrittenSize(name string, written, expected int) {}
