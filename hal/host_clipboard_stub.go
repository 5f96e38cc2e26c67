//go:build !cgo

package hal

type hostClipboard struct{}

func (*hostClipboard) ReadText() (string, error) { return "", ErrNotImplemented }
func (*hostClipboard) WriteText(string) error    { return ErrNotImplemented }
