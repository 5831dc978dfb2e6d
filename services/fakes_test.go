package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"tournament-escrow/safety"
)

const testProgramID = "Tourn1111111111111111111111111111111111111"

// fakeChain is an in-memory settlement program behind the gateway interface.
type fakeChain struct {
	mu            sync.Mutex
	tournaments   map[string]*TournamentOnChainView
	registrations map[string]*RegistrationView
	balances      map[string]uint64
	paid          map[string]uint64
	refunded      map[string]uint64
	submits       map[string]int
	accountReads  int

	// fail, when set, can reject an instruction before it lands.
	fail func(ix Instruction) error
	// lost, when set, lets an instruction land but reports an error back.
	lost func(ix Instruction) error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		tournaments:   map[string]*TournamentOnChainView{},
		registrations: map[string]*RegistrationView{},
		balances:      map[string]uint64{},
		paid:          map[string]uint64{},
		refunded:      map[string]uint64{},
		submits:       map[string]int{},
	}
}

func (f *fakeChain) Available() bool { return true }

func (f *fakeChain) Submit(_ context.Context, ix Instruction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(ix); err != nil {
			return "", err
		}
	}
	f.submits[ix.Name]++
	acc := ix.Accounts
	t := f.tournaments[acc["tournament"]]

	switch ix.Name {
	case "initializeTournament":
		f.tournaments[acc["tournament"]] = &TournamentOnChainView{
			TournamentID:          ix.Args["tournament_id"].(string),
			EntryFee:              ix.Args["entry_fee"].(uint64),
			MaxPlayers:            uint32(ix.Args["max_players"].(int)),
			PlatformFeePercentage: uint8(ix.Args["platform_fee_percentage"].(int)),
			Status:                chainActive,
		}
	case "registerPlayer":
		if t.CurrentPlayers >= t.MaxPlayers {
			return "", ErrTournamentFull
		}
		player := acc["player"]
		if _, ok := f.balances[player]; !ok {
			f.balances[player] = 100 * 1_000_000_000
		}
		f.balances[player] -= t.EntryFee
		f.registrations[acc["registration"]] = &RegistrationView{Player: player, EntryFeePaid: t.EntryFee}
		t.CurrentPlayers++
		t.TotalPool += t.EntryFee
	case "finalizeTournament":
		t.Status = chainFinalized
		t.Winners = ix.Args["winners"].([]string)
		t.PrizePercentages = ix.Args["prize_percentages"].([]uint8)
		t.Distributed = make([]bool, len(t.Winners))
	case "distributePrize":
		idx := ix.Args["winner_index"].(int)
		t.Distributed[idx] = true
		f.paid[acc["winner"]] += ix.Args["expected_lamports"].(uint64)
	case "refundPlayer":
		reg := f.registrations[acc["registration"]]
		if reg.Refunded {
			return "", ErrAlreadyRefunded
		}
		reg.Refunded = true
		f.refunded[acc["player"]] += reg.EntryFeePaid
	case "cancelTournament":
		t.Status = chainCancelled
	case "collectPlatformFees":
		t.FeesCollected = true
	default:
		return "", fmt.Errorf("unknown instruction %s", ix.Name)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%v", ix.Name, f.submits[ix.Name], ix.Accounts)))
	sig := base58.Encode(sum[:])
	if f.lost != nil {
		if err := f.lost(ix); err != nil {
			return "", err
		}
	}
	return sig, nil
}

func (f *fakeChain) GetAccount(_ context.Context, address string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountReads++

	var v interface{}
	if t, ok := f.tournaments[address]; ok {
		v = t
	} else if r, ok := f.registrations[address]; ok {
		v = r
	} else {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeChain) GetBalance(_ context.Context, wallet string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[wallet]; ok {
		return b, nil
	}
	return 100 * 1_000_000_000, nil
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[name]
}

func (f *fakeChain) paidTo(wallet string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[wallet]
}

func (f *fakeChain) refundedTo(wallet string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunded[wallet]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEscrow(gw SettlementGateway, reg *safety.Registry) *EscrowClient {
	return NewEscrowClient(gw, reg, EscrowConfig{ProgramID: testProgramID, CallTimeout: time.Second}, nil)
}

// wallet returns a deterministic 32-byte base58 wallet address.
func wallet(i int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("wallet-%d", i)))
	return base58.Encode(sum[:])
}

func sol(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeScoring returns a fixed ranking.
type fakeScoring struct {
	mu        sync.Mutex
	ranking   []RankedEntry
	snapshots []SnapshotKind
	err       error
}

func (s *fakeScoring) Snapshot(_ context.Context, _ string, kind SnapshotKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, kind)
	return s.err
}

func (s *fakeScoring) Ranking(context.Context, string) ([]RankedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranking, nil
}

// memArchiver records archived reports.
type memArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchiver) Archive(_ context.Context, key string, _ []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return key, nil
}
