package integrity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	existing   map[string]bool
	existsErr  error
	placeRefs  []string
	placeErr   error
	placed     []OrderKind
	closed     bool
	closeErr   error
	closeCause string
}

func (f *fakeExchange) OrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.existing[orderID], nil
}

func (f *fakeExchange) PlaceProtective(ctx context.Context, pos Position, kind OrderKind) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, kind)
	ref := f.placeRefs[0]
	f.placeRefs = f.placeRefs[1:]
	return ref, nil
}

func (f *fakeExchange) CloseAtMarket(ctx context.Context, pos Position, reason string) error {
	f.closed = true
	f.closeCause = reason
	return f.closeErr
}

type fakeRecorder struct {
	refs    map[OrderKind]string
	cleared bool
}

func (f *fakeRecorder) SetProtectiveRef(ctx context.Context, kind OrderKind, ref string) error {
	if f.refs == nil {
		f.refs = make(map[OrderKind]string)
	}
	f.refs[kind] = ref
	return nil
}

func (f *fakeRecorder) ClearPosition(ctx context.Context) error {
	f.cleared = true
	return nil
}

func protectedPosition() Position {
	return Position{
		Symbol:         "BTC/USDT",
		Direction:      "long",
		StopPrice:      48000,
		TargetPrice:    53000,
		Size:           0.01,
		StopOrderRef:   "stop-1",
		TargetOrderRef: "target-1",
	}
}

func TestCheckBothOrdersPresent(t *testing.T) {
	ex := &fakeExchange{existing: map[string]bool{"stop-1": true, "target-1": true}}
	rec := &fakeRecorder{}
	m := NewMonitor(ex, rec)

	require.NoError(t, m.Check(context.Background(), protectedPosition()))
	assert.Empty(t, ex.placed)
	assert.False(t, ex.closed)
}

func TestCheckReplacesMissingOrderOnce(t *testing.T) {
	ex := &fakeExchange{
		existing:  map[string]bool{"target-1": true},
		placeRefs: []string{"stop-2"},
	}
	rec := &fakeRecorder{}
	m := NewMonitor(ex, rec)

	require.NoError(t, m.Check(context.Background(), protectedPosition()))
	assert.Equal(t, []OrderKind{OrderStop}, ex.placed)
	assert.Equal(t, "stop-2", rec.refs[OrderStop])
	assert.False(t, ex.closed)
}

func TestCheckForceClosesWhenReplacementFails(t *testing.T) {
	ex := &fakeExchange{
		existing: map[string]bool{"target-1": true},
		placeErr: errors.New("venue rejected"),
	}
	rec := &fakeRecorder{}
	m := NewMonitor(ex, rec)

	err := m.Check(context.Background(), protectedPosition())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrViolation)
	assert.True(t, ex.closed, "unprotected position must be closed at market")
	assert.True(t, rec.cleared)
}

func TestCheckForceCloseFailureStillViolates(t *testing.T) {
	ex := &fakeExchange{
		existing: map[string]bool{},
		placeErr: errors.New("venue rejected"),
		closeErr: errors.New("close rejected"),
	}
	m := NewMonitor(ex, &fakeRecorder{})

	err := m.Check(context.Background(), protectedPosition())
	assert.ErrorIs(t, err, ErrViolation)
}

func TestCheckMissingRefSkipsLookup(t *testing.T) {
	// An empty ref means the order was never recorded: go straight to
	// re-placement without a venue lookup.
	pos := protectedPosition()
	pos.StopOrderRef = ""
	ex := &fakeExchange{
		existing:  map[string]bool{"target-1": true},
		placeRefs: []string{"stop-9"},
	}
	rec := &fakeRecorder{}
	m := NewMonitor(ex, rec)

	require.NoError(t, m.Check(context.Background(), pos))
	assert.Equal(t, "stop-9", rec.refs[OrderStop])
}

func TestCheckLookupErrorIsNotViolation(t *testing.T) {
	ex := &fakeExchange{existsErr: errors.New("timeout")}
	m := NewMonitor(ex, &fakeRecorder{})

	err := m.Check(context.Background(), protectedPosition())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrViolation, "a failed lookup is transient, not an integrity event")
	assert.False(t, ex.closed)
}

func TestCheckStartup(t *testing.T) {
	ex := &fakeExchange{existing: map[string]bool{"stop-1": true, "target-1": true}}
	m := NewMonitor(ex, &fakeRecorder{})
	assert.NoError(t, m.CheckStartup(context.Background(), protectedPosition()))
}
