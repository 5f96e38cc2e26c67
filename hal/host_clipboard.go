//go:build cgo

package hal

import (
	"errors"
	"sync"

	"golang.design/x/clipboard"
)

var errNoClipboard = errors.New("hal: host clipboard unavailable")

type hostClipboard struct {
	once sync.Once
	err  error
}

func (c *hostClipboard) init() error {
	c.once.Do(func() {
		if err := clipboard.Init(); err != nil {
			c.err = errors.Join(errNoClipboard, err)
		}
	})
	return c.err
}

func (c *hostClipboard) ReadText() (string, error) {
	if err := c.init(); err != nil {
		return "", err
	}
	return string(clipboard.Read(clipboard.FmtText)), nil
}

func (c *hostClipboard) WriteText(s string) error {
	if err := c.init(); err != nil {
		return err
	}
	clipboard.Write(clipboard.FmtText, []byte(s))
	return nil
}
