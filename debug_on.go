//go:build socketdebug

package socket

const debugBuild = true

func misuse(err error) error {
	panic(err)
}
