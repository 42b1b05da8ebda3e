package broadcast

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"GuardSign-Chain/internal/chain"
	"GuardSign-Chain/internal/chain/provider"
	xerrors "GuardSign-Chain/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeChainClient struct {
	mu sync.Mutex

	sendHash  common.Hash
	sendErr   error
	sendCalls int

	receipts   []*types.Receipt
	receiptErr []error
	pollCalls  int
}

func (f *fakeChainClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeChainClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChainClient) SuggestFees(context.Context) (chain.FeeSuggestion, error) {
	return chain.FeeSuggestion{}, nil
}

func (f *fakeChainClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeChainClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChainClient) SendRawTransaction(context.Context, []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendHash, f.sendErr
}

func (f *fakeChainClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.pollCalls
	f.pollCalls++
	if idx < len(f.receiptErr) && f.receiptErr[idx] != nil {
		return nil, f.receiptErr[idx]
	}
	if idx < len(f.receipts) && f.receipts[idx] != nil {
		return f.receipts[idx], nil
	}
	return nil, gethcore.NotFound
}

func (f *fakeChainClient) Close() {}

var _ chain.Client = (*fakeChainClient)(nil)

func registryWith(client chain.Client) *provider.Registry {
	return provider.NewStaticRegistry("base", map[string]chain.Client{"base": client}, nil)
}

func TestBroadcastSubmitsOnce(t *testing.T) {
	hash := common.HexToHash("0xabc123")
	client := &fakeChainClient{sendHash: hash}
	b := NewBroadcaster(registryWith(client))

	got, err := b.Broadcast(context.Background(), "base", []byte{0x02, 0xf8})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got != hash {
		t.Fatalf("unexpected hash %s", got.Hex())
	}
	if client.sendCalls != 1 {
		t.Fatalf("expected exactly one send, got %d", client.sendCalls)
	}
}

func TestBroadcastFailureIsNotRetryable(t *testing.T) {
	client := &fakeChainClient{sendErr: errors.New("nonce too low")}
	b := NewBroadcaster(registryWith(client))

	_, err := b.Broadcast(context.Background(), "base", []byte{0x02})
	if xerrors.CodeOf(err) != CodeBroadcastFailed {
		t.Fatalf("expected BROADCAST_FAILED, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("broadcast failures must not be retried automatically")
	}
}

func TestAwaitConfirmationConfirmed(t *testing.T) {
	client := &fakeChainClient{
		receipts: []*types.Receipt{
			nil,
			{Status: 1, BlockNumber: big.NewInt(1234), GasUsed: 21000},
		},
	}
	b := NewBroadcaster(registryWith(client))

	conf, err := b.AwaitConfirmation(context.Background(), "base", common.HexToHash("0x1"), time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("await confirmation: %v", err)
	}
	if conf.State != StateConfirmed {
		t.Fatalf("unexpected state %s", conf.State)
	}
	if conf.BlockNumber != 1234 || conf.GasUsed != 21000 {
		t.Fatalf("receipt details lost: %+v", conf)
	}
}

func TestAwaitConfirmationReverted(t *testing.T) {
	client := &fakeChainClient{
		receipts: []*types.Receipt{{Status: 0, BlockNumber: big.NewInt(9)}},
	}
	b := NewBroadcaster(registryWith(client))

	conf, err := b.AwaitConfirmation(context.Background(), "base", common.HexToHash("0x1"), time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("await confirmation: %v", err)
	}
	if conf.State != StateReverted {
		t.Fatalf("unexpected state %s", conf.State)
	}
}

func TestAwaitConfirmationTimesOutDistinctly(t *testing.T) {
	client := &fakeChainClient{}
	b := NewBroadcaster(registryWith(client))

	_, err := b.AwaitConfirmation(context.Background(), "base", common.HexToHash("0x1"), 20*time.Millisecond, 5*time.Millisecond)
	if xerrors.CodeOf(err) != CodeConfirmationTimeout {
		t.Fatalf("expected CONFIRMATION_TIMEOUT, got %v", err)
	}
	if client.pollCalls == 0 {
		t.Fatal("expected at least one receipt poll before timing out")
	}
}

func TestAwaitConfirmationToleratesRPCErrors(t *testing.T) {
	client := &fakeChainClient{
		receiptErr: []error{errors.New("connection reset")},
		receipts: []*types.Receipt{
			nil,
			{Status: 1, BlockNumber: big.NewInt(42)},
		},
	}
	b := NewBroadcaster(registryWith(client))

	conf, err := b.AwaitConfirmation(context.Background(), "base", common.HexToHash("0x1"), time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("await confirmation: %v", err)
	}
	if conf.State != StateConfirmed {
		t.Fatalf("unexpected state %s", conf.State)
	}
}
