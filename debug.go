//go:build !socketdebug

package socket

// debugBuild is set by the socketdebug build tag. Debug builds panic on
// caller contract violations and on leaked sockets.
const debugBuild = false

func misuse(err error) error {
	return err
}
