package qr

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// Generator renders issued-ticket ids as QR PNGs. The id is the sole
// payload, so output is deterministic for a given id and the scanner posts
// back exactly what it read.
type Generator struct {
	size int
}

func NewGenerator() *Generator {
	return &Generator{size: 256}
}

func (g *Generator) Generate(ticketID string) ([]byte, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("ticket id is required")
	}
	png, err := qrcode.Encode(ticketID, qrcode.Medium, g.size)
	if err != nil {
		return nil, fmt.Errorf("encode qr for ticket %s: %w", ticketID, err)
	}
	return png, nil
}
