package router

import (
	"math/big"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/rewards"
	"stakeledger/native/token"
	"stakeledger/native/vesting"
)

const secondsPerYear = 365 * 24 * 60 * 60

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func milli(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
}

func account(name string) crypto.Address {
	var raw [crypto.AddressLength]byte
	copy(raw[:], name)
	return crypto.NewAddress(crypto.AccountPrefix, raw[:])
}

func requireAmount(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Zerof(t, want.Cmp(got), "want %s got %s", want, got)
}

func requireBetween(t *testing.T, got, lo, hi *big.Int) {
	t.Helper()
	require.Truef(t, got.Cmp(lo) > 0 && got.Cmp(hi) < 0, "%s not in (%s, %s)", got, lo, hi)
}

type routerFixture struct {
	clock    *clock.Mock
	gov      crypto.Address
	gmx      *token.BaseToken
	es       *token.BaseToken
	bn       *token.BaseToken
	weth     *token.BaseToken
	staked   *rewards.Tracker
	bonus    *rewards.Tracker
	fee      *rewards.Tracker
	stakedDst *rewards.RewardDistributor
	bonusDst  *rewards.BonusDistributor
	feeDst    *rewards.RewardDistributor
	vester    *vesting.Vester
	router   *Router
	recorder *events.Recorder
}

// newRouterFixture assembles the staked -> bonus -> fee tracker chain with
// an esGMX vester and a router holding every handler role it needs.
func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Add(1_700_000_000 * time.Second)
	gov := account("gov")
	governance := common.NewGovernance(gov)

	gmx := token.NewBaseToken(crypto.ModuleAddress("gmx"), "GMX", "GMX", 18, governance)
	es := token.NewBaseToken(crypto.ModuleAddress("esgmx"), "Escrowed GMX", "esGMX", 18, governance)
	bn := token.NewBaseToken(crypto.ModuleAddress("bngmx"), "Bonus GMX", "bnGMX", 18, governance)
	weth := token.NewBaseToken(crypto.ModuleAddress("weth"), "Wrapped Ether", "WETH", 18, governance)
	for _, tok := range []*token.BaseToken{gmx, es, bn, weth} {
		require.NoError(t, tok.SetMinter(gov, gov, true))
	}

	staked := rewards.NewTracker(crypto.ModuleAddress("sgmx"), "Staked GMX", "sGMX", governance)
	stakedDst := rewards.NewRewardDistributor(crypto.ModuleAddress("sgmx-distributor"), es, staked, governance, clk)
	require.NoError(t, staked.Initialize(gov, []token.Token{gmx, es}, stakedDst))
	require.NoError(t, stakedDst.UpdateLastDistributionTime(gov))

	bonus := rewards.NewTracker(crypto.ModuleAddress("sbgmx"), "Staked + Bonus GMX", "sbGMX", governance)
	bonusDst := rewards.NewBonusDistributor(crypto.ModuleAddress("sbgmx-distributor"), bn, bonus, governance, clk)
	require.NoError(t, bonus.Initialize(gov, []token.Token{staked}, bonusDst))
	require.NoError(t, bonusDst.UpdateLastDistributionTime(gov))

	fee := rewards.NewTracker(crypto.ModuleAddress("sbfgmx"), "Staked + Bonus + Fee GMX", "sbfGMX", governance)
	feeDst := rewards.NewRewardDistributor(crypto.ModuleAddress("sbfgmx-distributor"), weth, fee, governance, clk)
	require.NoError(t, fee.Initialize(gov, []token.Token{bonus, bn}, feeDst))
	require.NoError(t, feeDst.UpdateLastDistributionTime(gov))

	vester, err := vesting.NewVester(vesting.Config{
		Address:         crypto.ModuleAddress("vgmx"),
		Name:            "Vested GMX",
		Symbol:          "vGMX",
		VestingDuration: secondsPerYear,
		EsToken:         es,
		ClaimableToken:  gmx,
		PairToken:       fee,
		RewardTracker:   staked,
	}, governance, clk)
	require.NoError(t, err)

	r, err := New(Config{
		Address:       crypto.ModuleAddress("reward-router"),
		BaseToken:     gmx,
		EsToken:       es,
		BnToken:       bn,
		StakedTracker: staked,
		BonusTracker:  bonus,
		FeeTracker:    fee,
		Vester:        vester,
	}, governance)
	require.NoError(t, err)
	recorder := &events.Recorder{}
	r.SetEmitter(recorder)

	require.NoError(t, staked.SetInPrivateTransferMode(gov, true))
	require.NoError(t, staked.SetInPrivateStakingMode(gov, true))
	require.NoError(t, bonus.SetInPrivateTransferMode(gov, true))
	require.NoError(t, bonus.SetInPrivateStakingMode(gov, true))
	require.NoError(t, bonus.SetInPrivateClaimingMode(gov, true))
	require.NoError(t, fee.SetInPrivateTransferMode(gov, true))
	require.NoError(t, fee.SetInPrivateStakingMode(gov, true))
	require.NoError(t, es.SetInPrivateTransferMode(gov, true))

	require.NoError(t, staked.SetHandler(gov, bonus.Address(), true))
	require.NoError(t, bonus.SetHandler(gov, fee.Address(), true))
	require.NoError(t, bn.SetHandler(gov, fee.Address(), true))
	require.NoError(t, bonusDst.SetBonusMultiplier(gov, 10_000))

	require.NoError(t, es.Mint(gov, stakedDst.Address(), e18(50_000)))
	rate, ok := new(big.Int).SetString("20667989410000000", 10)
	require.True(t, ok)
	require.NoError(t, stakedDst.SetTokensPerInterval(gov, rate))
	require.NoError(t, bn.Mint(gov, bonusDst.Address(), e18(1_500)))

	for _, handler := range []crypto.Address{r.Address(), stakedDst.Address(), staked.Address(), vester.Address()} {
		require.NoError(t, es.SetHandler(gov, handler, true))
	}
	for _, tracker := range []*rewards.Tracker{staked, bonus, fee} {
		require.NoError(t, tracker.SetHandler(gov, r.Address(), true))
	}
	require.NoError(t, bn.SetMinter(gov, r.Address(), true))
	require.NoError(t, es.SetMinter(gov, vester.Address(), true))
	require.NoError(t, vester.SetHandler(gov, r.Address(), true))
	require.NoError(t, vester.SetHandler(gov, gov, true))
	require.NoError(t, fee.SetHandler(gov, vester.Address(), true))

	f := &routerFixture{
		clock:     clk,
		gov:       gov,
		gmx:       gmx,
		es:        es,
		bn:        bn,
		weth:      weth,
		staked:    staked,
		bonus:     bonus,
		fee:       fee,
		stakedDst: stakedDst,
		bonusDst:  bonusDst,
		feeDst:    feeDst,
		vester:    vester,
		router:    r,
		recorder:  recorder,
	}
	r.SetJournal(f)
	return f
}

// Checkpoint snapshots every fixture component so the router can roll a
// failed operation back.
func (f *routerFixture) Checkpoint() (func() error, error) {
	var restores []func() error
	for _, tok := range []*token.BaseToken{f.gmx, f.es, f.bn, f.weth} {
		tok, state := tok, tok.Snapshot()
		restores = append(restores, func() error { return tok.Restore(state) })
	}
	for _, tracker := range []*rewards.Tracker{f.staked, f.bonus, f.fee} {
		tracker, state := tracker, tracker.Snapshot()
		restores = append(restores, func() error { return tracker.Restore(state) })
	}
	for _, dst := range []*rewards.RewardDistributor{f.stakedDst, f.feeDst} {
		dst, state := dst, dst.Snapshot()
		restores = append(restores, func() error { return dst.Restore(state) })
	}
	bonusState := f.bonusDst.Snapshot()
	restores = append(restores, func() error { return f.bonusDst.Restore(bonusState) })
	vesterState := f.vester.Snapshot()
	restores = append(restores, func() error { return f.vester.Restore(vesterState) })
	return func() error {
		for _, restore := range restores {
			if err := restore(); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (f *routerFixture) fundAndStake(t *testing.T, user crypto.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, f.gmx.Mint(f.gov, user, amount))
	require.NoError(t, f.gmx.Approve(user, f.staked.Address(), amount))
	require.NoError(t, f.router.Stake(user, amount))
}

func (f *routerFixture) advance(d time.Duration) {
	f.clock.Add(d)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{Address: crypto.ModuleAddress("reward-router")}, nil)
	require.ErrorIs(t, err, common.ErrInputInvalid)
}

func TestStakeFlowsThroughTrackerChain(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))

	requireAmount(t, new(big.Int), f.gmx.BalanceOf(user))
	requireAmount(t, e18(1000), f.staked.DepositBalance(user, f.gmx.Address()))
	requireAmount(t, e18(1000), f.bonus.DepositBalance(user, f.staked.Address()))
	requireAmount(t, e18(1000), f.fee.DepositBalance(user, f.bonus.Address()))
	requireAmount(t, e18(1000), f.fee.StakedAmount(user))
	// Chained balances sit inside the next tracker, not with the user.
	requireAmount(t, new(big.Int), f.staked.BalanceOf(user))
	requireAmount(t, new(big.Int), f.bonus.BalanceOf(user))
	requireAmount(t, e18(1000), f.fee.BalanceOf(user))
}

func TestStakeForAccountIsGovernorOnly(t *testing.T) {
	f := newRouterFixture(t)
	funder := account("user0")
	user := account("user1")
	require.NoError(t, f.gmx.Mint(f.gov, funder, e18(1000)))
	require.NoError(t, f.gmx.Approve(funder, f.staked.Address(), e18(1000)))
	require.ErrorIs(t, f.router.StakeForAccount(funder, user, e18(800)), common.ErrForbidden)

	require.NoError(t, f.gmx.Mint(f.gov, f.gov, e18(800)))
	require.NoError(t, f.gmx.Approve(f.gov, f.staked.Address(), e18(800)))
	require.NoError(t, f.router.StakeForAccount(f.gov, user, e18(800)))
	requireAmount(t, e18(800), f.staked.DepositBalance(user, f.gmx.Address()))
	requireAmount(t, new(big.Int), f.gmx.BalanceOf(f.gov))
}

func TestStakeRejectsInvalidAmounts(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	require.ErrorIs(t, f.router.Stake(user, big.NewInt(0)), common.ErrInputInvalid)
	require.ErrorIs(t, f.router.Stake(user, e18(1)), common.ErrInsufficientAllowance)
	requireAmount(t, new(big.Int), f.staked.TotalSupply())
}

func TestCompoundRestakesRewardsAndMultiplierPoints(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))
	f.advance(24 * time.Hour)

	require.NoError(t, f.router.Compound(user))
	requireBetween(t, f.staked.DepositBalance(user, f.es.Address()), e18(1785), e18(1786))
	requireBetween(t, f.staked.StakedAmount(user), e18(2785), e18(2786))
	requireAmount(t, f.staked.StakedAmount(user), f.fee.DepositBalance(user, f.bonus.Address()))
	// One day at a 100% yearly multiplier on 1000 staked.
	requireBetween(t, f.fee.DepositBalance(user, f.bn.Address()), milli(2739), milli(2740))
	requireAmount(t, new(big.Int), f.es.BalanceOf(user))
}

func TestUnstakeBurnsProportionalMultiplierPoints(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))
	f.advance(24 * time.Hour)
	require.NoError(t, f.router.Compound(user))

	require.ErrorIs(t, f.router.Unstake(user, e18(1001)), common.ErrExceedsDeposit)
	require.ErrorIs(t, f.router.Unstake(user, e18(3000)), common.ErrExceedsStaked)

	require.NoError(t, f.router.Unstake(user, e18(500)))
	requireAmount(t, e18(500), f.gmx.BalanceOf(user))
	requireAmount(t, e18(500), f.staked.DepositBalance(user, f.gmx.Address()))
	// 2.7397 * 500 / 2785.71 is burned.
	requireBetween(t, f.fee.DepositBalance(user, f.bn.Address()), milli(2247), milli(2249))
	requireBetween(t, f.bn.TotalSupply(), milli(1_499_508), milli(1_499_509))

	esStaked := f.staked.DepositBalance(user, f.es.Address())
	require.NoError(t, f.router.UnstakeEsToken(user, esStaked))
	requireAmount(t, esStaked, f.es.BalanceOf(user))
	requireAmount(t, e18(500), f.staked.StakedAmount(user))
	requireAmount(t, e18(500), f.bonus.StakedAmount(user))
	require.ErrorIs(t, f.router.UnstakeEsToken(user, e18(1)), common.ErrExceedsDeposit)
}

func TestClaimPaysEscrowedRewards(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))
	f.advance(24 * time.Hour)

	require.NoError(t, f.router.Claim(user))
	requireBetween(t, f.es.BalanceOf(user), e18(1785), e18(1786))

	f.advance(time.Hour)
	amount, err := f.router.ClaimEs(user)
	require.NoError(t, err)
	requireBetween(t, amount, e18(74), e18(75))

	fees, err := f.router.ClaimFees(user)
	require.NoError(t, err)
	requireAmount(t, new(big.Int), fees)
}

func TestStakeEsToken(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	require.NoError(t, f.es.Mint(f.gov, user, e18(100)))
	require.NoError(t, f.router.StakeEsToken(user, e18(100)))
	requireAmount(t, e18(100), f.staked.DepositBalance(user, f.es.Address()))
	requireAmount(t, e18(100), f.fee.StakedAmount(user))
}

func TestHandleRewards(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))
	f.advance(24 * time.Hour)

	result, err := f.router.HandleRewards(user, HandleRewardsOptions{
		ClaimEsToken:          true,
		StakeEsToken:          true,
		StakeMultiplierPoints: true,
		ClaimFees:             true,
	})
	require.NoError(t, err)
	requireBetween(t, result.EsToken, e18(1785), e18(1786))
	requireBetween(t, result.MultiplierPoints, milli(2739), milli(2740))
	requireAmount(t, new(big.Int), result.Vested)
	requireAmount(t, result.EsToken, f.staked.DepositBalance(user, f.es.Address()))
	requireAmount(t, result.MultiplierPoints, f.fee.DepositBalance(user, f.bn.Address()))
}

func TestHandleRewardsClaimsAndStakesVestedTokens(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user1")
	f.fundAndStake(t, user, e18(1000))
	f.advance(24 * time.Hour)
	require.NoError(t, f.router.Claim(user))
	require.NoError(t, f.gmx.Mint(f.gov, f.vester.Address(), e18(2000)))
	require.NoError(t, f.gmx.Approve(user, f.staked.Address(), e18(1)))

	require.NoError(t, f.vester.Deposit(user, e18(365)))
	f.advance(24 * time.Hour)

	result, err := f.router.HandleRewards(user, HandleRewardsOptions{ClaimVested: true, StakeVested: true})
	require.NoError(t, err)
	requireAmount(t, e18(1), result.Vested)
	requireAmount(t, e18(1001), f.staked.DepositBalance(user, f.gmx.Address()))
	requireAmount(t, new(big.Int), result.EsToken)
}

func TestCompoundForAccountIsGovernorOnly(t *testing.T) {
	f := newRouterFixture(t)
	user0 := account("user0")
	user1 := account("user1")
	f.fundAndStake(t, user0, e18(100))
	f.fundAndStake(t, user1, e18(100))
	f.advance(time.Hour)

	require.ErrorIs(t, f.router.CompoundForAccount(user0, user1), common.ErrForbidden)
	require.ErrorIs(t, f.router.BatchCompoundForAccounts(user0, []crypto.Address{user0, user1}), common.ErrForbidden)
	require.NoError(t, f.router.BatchCompoundForAccounts(f.gov, []crypto.Address{user0, user1}))
	require.Positive(t, f.staked.DepositBalance(user0, f.es.Address()).Sign())
	require.Positive(t, f.staked.DepositBalance(user1, f.es.Address()).Sign())
}

func TestSignalAndAcceptTransfer(t *testing.T) {
	f := newRouterFixture(t)
	user1 := account("user1")
	user2 := account("user2")
	user3 := account("user3")
	user4 := account("user4")

	f.fundAndStake(t, user1, e18(200))
	f.fundAndStake(t, user2, e18(200))
	// Accepting re-stakes the sender's base tokens from the sender's wallet.
	require.NoError(t, f.gmx.Approve(user2, f.staked.Address(), e18(200)))

	require.NoError(t, f.router.SignalTransfer(user2, user1))
	f.advance(24 * time.Hour)
	require.NoError(t, f.router.SignalTransfer(user2, user1))
	require.NoError(t, f.router.Claim(user1))

	// user1 now has staking history and cannot absorb another position.
	require.ErrorIs(t, f.router.SignalTransfer(user2, user1), common.ErrInputInvalid)
	require.NoError(t, f.router.SignalTransfer(user2, user3))
	receiver, ok := f.router.PendingReceiver(user2)
	require.True(t, ok)
	require.True(t, receiver.Equal(user3))

	require.ErrorIs(t, f.router.AcceptTransfer(user3, user1), common.ErrTransferNotSignalled)
	require.ErrorIs(t, f.router.AcceptTransfer(user4, user2), common.ErrTransferNotSignalled)

	require.NoError(t, f.vester.SetBonusRewards(f.gov, user2, e18(100)))
	requireAmount(t, e18(100), f.vester.MaxVestableAmount(user2))
	requireAmount(t, new(big.Int), f.vester.MaxVestableAmount(user3))

	require.NoError(t, f.router.AcceptTransfer(user3, user2))
	_, ok = f.router.PendingReceiver(user2)
	require.False(t, ok)

	requireAmount(t, new(big.Int), f.staked.DepositBalance(user2, f.gmx.Address()))
	requireAmount(t, new(big.Int), f.staked.DepositBalance(user2, f.es.Address()))
	requireAmount(t, new(big.Int), f.fee.DepositBalance(user2, f.bn.Address()))
	requireAmount(t, e18(200), f.staked.DepositBalance(user3, f.gmx.Address()))
	requireBetween(t, f.staked.DepositBalance(user3, f.es.Address()), e18(892), e18(893))
	requireBetween(t, f.fee.DepositBalance(user3, f.bn.Address()), milli(547), milli(549))

	requireAmount(t, e18(200), f.vester.TransferredAverageStakedAmount(user3))
	requireBetween(t, f.vester.TransferredCumulativeRewards(user3), e18(892), e18(893))
	requireAmount(t, new(big.Int), f.vester.BonusReward(user2))
	requireAmount(t, e18(100), f.vester.BonusReward(user3))
	requireAmount(t, e18(200), f.vester.CombinedAverageStakedAmount(user2))
	requireAmount(t, e18(200), f.vester.CombinedAverageStakedAmount(user3))
	requireAmount(t, new(big.Int), f.vester.MaxVestableAmount(user2))
	requireBetween(t, f.vester.MaxVestableAmount(user3), e18(992), e18(993))
	requireAmount(t, new(big.Int), f.vester.PairAmountFor(user2, e18(992)))
	requireBetween(t, f.vester.PairAmountFor(user3, e18(992)), e18(199), e18(200))

	f.advance(2 * time.Second)
	require.NoError(t, f.gmx.Approve(user3, f.staked.Address(), e18(400)))
	require.NoError(t, f.router.SignalTransfer(user3, user4))
	require.NoError(t, f.router.AcceptTransfer(user4, user3))

	requireAmount(t, new(big.Int), f.staked.DepositBalance(user3, f.gmx.Address()))
	requireAmount(t, new(big.Int), f.staked.DepositBalance(user3, f.es.Address()))
	requireAmount(t, new(big.Int), f.fee.DepositBalance(user3, f.bn.Address()))
	requireAmount(t, e18(200), f.staked.DepositBalance(user4, f.gmx.Address()))
	requireBetween(t, f.staked.DepositBalance(user4, f.es.Address()), e18(892), e18(893))
	requireBetween(t, f.fee.DepositBalance(user4, f.bn.Address()), milli(547), milli(549))
	requireBetween(t, f.vester.TransferredAverageStakedAmount(user4), e18(200), e18(201))
	requireBetween(t, f.vester.TransferredCumulativeRewards(user4), e18(892), e18(894))
	requireAmount(t, new(big.Int), f.vester.BonusReward(user3))
	requireAmount(t, e18(100), f.vester.BonusReward(user4))
	requireBetween(t, f.staked.AverageStakedAmount(user3), e18(1092), e18(1094))
	requireAmount(t, new(big.Int), f.vester.TransferredAverageStakedAmount(user3))
	requireBetween(t, f.vester.CombinedAverageStakedAmount(user3), e18(1092), e18(1094))
	requireBetween(t, f.vester.CombinedAverageStakedAmount(user4), e18(200), e18(201))
	requireAmount(t, new(big.Int), f.vester.MaxVestableAmount(user3))
	requireBetween(t, f.vester.MaxVestableAmount(user4), e18(992), e18(993))
	requireAmount(t, new(big.Int), f.vester.PairAmountFor(user3, e18(992)))
	requireBetween(t, f.vester.PairAmountFor(user4, e18(992)), e18(199), e18(200))

	require.ErrorIs(t, f.router.AcceptTransfer(user4, user3), common.ErrTransferNotSignalled)
	require.Len(t, f.recorder.OfType(events.TypeTransferAccepted), 2)
}

func TestTransferMovesLiquidEscrow(t *testing.T) {
	f := newRouterFixture(t)
	sender := account("user1")
	receiver := account("user2")
	f.fundAndStake(t, sender, e18(100))
	require.NoError(t, f.gmx.Approve(sender, f.staked.Address(), e18(100)))
	require.NoError(t, f.es.Mint(f.gov, sender, e18(5)))

	require.NoError(t, f.router.SignalTransfer(sender, receiver))
	require.NoError(t, f.router.AcceptTransfer(receiver, sender))
	requireAmount(t, new(big.Int), f.es.BalanceOf(sender))
	requireAmount(t, e18(5), f.es.BalanceOf(receiver))
	requireAmount(t, e18(100), f.fee.StakedAmount(receiver))
}

func TestSignalTransferRejectsActiveVesting(t *testing.T) {
	f := newRouterFixture(t)
	sender := account("user1")
	f.fundAndStake(t, sender, e18(1000))
	f.advance(24 * time.Hour)
	require.NoError(t, f.router.Claim(sender))
	require.NoError(t, f.vester.Deposit(sender, e18(10)))

	require.ErrorIs(t, f.router.SignalTransfer(sender, account("user2")), common.ErrForbidden)
	require.ErrorIs(t, f.router.SignalTransfer(account("user2"), sender), common.ErrInputInvalid)
	require.ErrorIs(t, f.router.SignalTransfer(account("user2"), account("user2")), common.ErrInputInvalid)
}

func TestRouterPause(t *testing.T) {
	f := newRouterFixture(t)
	pauses := common.NewPauseSet(common.NewGovernance(f.gov))
	f.router.SetPauses(pauses)
	require.NoError(t, pauses.SetPaused(f.gov, moduleName, true))
	require.ErrorIs(t, f.router.Stake(account("user1"), e18(1)), common.ErrModulePaused)
}

func TestAcceptTransferRollsBackWhenRestakeFails(t *testing.T) {
	f := newRouterFixture(t)
	sender := account("sender")
	receiver := account("receiver")
	f.fundAndStake(t, sender, e18(200))
	f.advance(24 * time.Hour)
	require.NoError(t, f.router.SignalTransfer(sender, receiver))

	claimable := f.staked.Claimable(sender)
	distributorEs := f.es.BalanceOf(f.stakedDst.Address())

	// The sender's approval was spent on the original stake, so re-staking
	// the unstaked base tokens fails after the compound and unstake legs ran.
	err := f.router.AcceptTransfer(receiver, sender)
	require.ErrorIs(t, err, common.ErrInsufficientAllowance)

	pending, ok := f.router.PendingReceiver(sender)
	require.True(t, ok)
	require.True(t, pending.Equal(receiver))
	requireAmount(t, e18(200), f.staked.DepositBalance(sender, f.gmx.Address()))
	requireAmount(t, new(big.Int), f.staked.DepositBalance(sender, f.es.Address()))
	requireAmount(t, e18(200), f.fee.StakedAmount(sender))
	requireAmount(t, new(big.Int), f.gmx.BalanceOf(sender))
	requireAmount(t, new(big.Int), f.es.BalanceOf(sender))
	requireAmount(t, claimable, f.staked.Claimable(sender))
	requireAmount(t, distributorEs, f.es.BalanceOf(f.stakedDst.Address()))
	requireAmount(t, new(big.Int), f.staked.StakedAmount(receiver))
	requireAmount(t, new(big.Int), f.fee.StakedAmount(receiver))

	require.NoError(t, f.gmx.Approve(sender, f.staked.Address(), e18(200)))
	require.NoError(t, f.router.AcceptTransfer(receiver, sender))
	_, ok = f.router.PendingReceiver(sender)
	require.False(t, ok)
	requireAmount(t, e18(200), f.staked.DepositBalance(receiver, f.gmx.Address()))
	requireBetween(t, f.staked.DepositBalance(receiver, f.es.Address()), e18(1785), e18(1786))
	requireAmount(t, new(big.Int), f.fee.StakedAmount(sender))
}

func TestFailedHandleRewardsUndoesEarlierLegs(t *testing.T) {
	f := newRouterFixture(t)
	user := account("user")
	f.fundAndStake(t, user, e18(100))
	f.advance(24 * time.Hour)
	claimable := f.staked.Claimable(user)
	require.Positive(t, claimable.Sign())

	// The escrowed claim succeeds before the fee claim is refused.
	require.NoError(t, f.fee.SetHandler(f.gov, f.router.Address(), false))
	_, err := f.router.HandleRewards(user, HandleRewardsOptions{ClaimEsToken: true, ClaimFees: true})
	require.ErrorIs(t, err, common.ErrForbidden)
	requireAmount(t, new(big.Int), f.es.BalanceOf(user))
	requireAmount(t, claimable, f.staked.Claimable(user))
	requireAmount(t, new(big.Int), f.staked.CumulativeRewards(user))
}
