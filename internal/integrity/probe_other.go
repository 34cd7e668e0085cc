//go:build !unix

package integrity

func tracerPid() int { return 0 }

func debuggerParent() (string, bool) { return "", false }

func kernelName() string { return "" }
