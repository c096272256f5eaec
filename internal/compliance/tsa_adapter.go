package compliance

import (
	"context"

	"github.com/a2a-settlement/exchange/internal/compliance/tsa"
)

// tsaAdapter wraps a tsa.Client so it satisfies TSAClient, translating
// tsa.Token into the subset this package persists.
type tsaAdapter struct {
	client *tsa.Client
}

// NewTSAClient wraps an RFC 3161 client for use as a Service's TSAClient.
func NewTSAClient(client *tsa.Client) TSAClient {
	if client == nil {
		return nil
	}
	return &tsaAdapter{client: client}
}

func (a *tsaAdapter) Request(ctx context.Context, digest [32]byte) (Token, error) {
	tok, err := a.client.Request(ctx, digest)
	if err != nil {
		return Token{}, err
	}
	return Token{DER: tok.DER, SerialNumber: tok.SerialNumber, TSATime: tok.TSATime}, nil
}
