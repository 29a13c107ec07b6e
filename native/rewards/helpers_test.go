package rewards

import (
	"math/big"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/token"
)

// referenceRate emits roughly 1785.71 tokens per day.
var referenceRate = mustBigInt("20667989410000000")

func e18(n int64) *big.Int {
	v := big.NewInt(n)
	return v.Mul(v, mustBigInt("1000000000000000000"))
}

func account(name string) crypto.Address {
	var raw [crypto.AddressLength]byte
	copy(raw[:], name)
	return crypto.NewAddress(crypto.AccountPrefix, raw[:])
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Add(1_700_000_000 * time.Second)
	return clk
}

func requireAmount(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Zerof(t, want.Cmp(got), "want %s got %s", want, got)
}

func requireBetween(t *testing.T, got, lo, hi *big.Int) {
	t.Helper()
	require.Truef(t, got.Cmp(lo) > 0 && got.Cmp(hi) < 0, "%s not in (%s, %s)", got, lo, hi)
}

type trackerFixture struct {
	clock       *clock.Mock
	gov         crypto.Address
	governance  *common.Governance
	gmx         *token.BaseToken
	esGmx       *token.BaseToken
	tracker     *Tracker
	distributor *RewardDistributor
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	clk := newMockClock()
	gov := account("gov")
	governance := common.NewGovernance(gov)
	gmx := token.NewBaseToken(crypto.ModuleAddress("gmx"), "GMX", "GMX", 18, governance)
	esGmx := token.NewBaseToken(crypto.ModuleAddress("esgmx"), "Escrowed GMX", "esGMX", 18, governance)
	require.NoError(t, gmx.SetMinter(gov, gov, true))
	require.NoError(t, esGmx.SetMinter(gov, gov, true))

	tracker := NewTracker(crypto.ModuleAddress("sgmx"), "Staked GMX", "sGMX", governance)
	distributor := NewRewardDistributor(crypto.ModuleAddress("sgmx-distributor"), esGmx, tracker, governance, clk)
	require.NoError(t, tracker.Initialize(gov, []token.Token{gmx, esGmx}, distributor))

	return &trackerFixture{
		clock:       clk,
		gov:         gov,
		governance:  governance,
		gmx:         gmx,
		esGmx:       esGmx,
		tracker:     tracker,
		distributor: distributor,
	}
}

// fund mints budget into the distributor and starts emitting at rate.
func (f *trackerFixture) fund(t *testing.T, budget, rate *big.Int) {
	t.Helper()
	require.NoError(t, f.esGmx.Mint(f.gov, f.distributor.Address(), budget))
	require.NoError(t, f.distributor.UpdateLastDistributionTime(f.gov))
	require.NoError(t, f.distributor.SetTokensPerInterval(f.gov, rate))
}

// stake mints amount of tok to user, approves the tracker and stakes it.
func (f *trackerFixture) stake(t *testing.T, user crypto.Address, tok *token.BaseToken, amount *big.Int) {
	t.Helper()
	require.NoError(t, tok.Mint(f.gov, user, amount))
	require.NoError(t, tok.Approve(user, f.tracker.Address(), amount))
	require.NoError(t, f.tracker.Stake(user, tok.Address(), amount))
}
