package testutil

import (
	"context"
	"sync"

	"tonrody/internal/chain"
)

// FakeChain is a scriptable chain.Client.
type FakeChain struct {
	mu       sync.Mutex
	State    chain.LobbyState
	StateErr error
	PayoutTx string
	PayErr   error
	PingErr  error
	Payouts  []chain.PayoutRequest
}

var _ chain.Client = (*FakeChain)(nil)

func (f *FakeChain) LobbyState(_ context.Context, lobbyID string) (chain.LobbyState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StateErr != nil {
		return chain.LobbyState{}, f.StateErr
	}
	st := f.State
	st.LobbyID = lobbyID
	return st, nil
}

func (f *FakeChain) SubmitPayout(_ context.Context, req chain.PayoutRequest) (chain.PayoutReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payouts = append(f.Payouts, req)
	if f.PayErr != nil {
		return chain.PayoutReceipt{}, f.PayErr
	}
	return chain.PayoutReceipt{TxHash: f.PayoutTx}, nil
}

func (f *FakeChain) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *FakeChain) PayoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Payouts)
}
