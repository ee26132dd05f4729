package smartcard

import (
	"github.com/ebfe/scard"
)

// Context lists readers and connects to cards. It is satisfied by
// the PC/SC context and replaced by a simulated reader in tests.
type Context interface {
	ListReaders() ([]string, error)
	Connect(reader string) (Card, error)
	Release() error
}

// Card is a connected smart card
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

type pcscContext struct {
	ctx *scard.Context
}

// EstablishContext returns PC/SC backed Context
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &pcscContext{ctx: ctx}, nil
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) Connect(reader string) (Card, error) {
	// Shared mode lets the OS minidriver coexist with the agent
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}
