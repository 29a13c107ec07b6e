package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/facebookgo/clock"

	"stakeledger/config"
	"stakeledger/core/events"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/native/rewards"
	"stakeledger/native/router"
	"stakeledger/native/token"
	"stakeledger/native/vesting"
)

// Option customises a stack during Build.
type Option func(*buildOptions)

type buildOptions struct {
	clock   clock.Clock
	emitter events.Emitter
	logger  *slog.Logger
}

// WithClock injects the clock shared by distributors and vesters.
func WithClock(clk clock.Clock) Option {
	return func(o *buildOptions) { o.clock = clk }
}

// WithEmitter routes every component's events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *buildOptions) { o.emitter = emitter }
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// Stack is a fully wired ledger: tokens, trackers with their distributors,
// vesters and the router, all sharing one governance capability and pause
// set.
//
// Components serialise their own state, but a snapshot spans several of
// them. Callers that mutate through the stack should do so inside Update so
// Snapshot and StateRoot observe a consistent cut.
type Stack struct {
	mu sync.RWMutex

	Governor   crypto.Address
	Governance *common.Governance
	Pauses     *common.PauseSet

	Tokens             map[string]*token.BaseToken
	Trackers           map[string]*rewards.Tracker
	RewardDistributors map[string]*rewards.RewardDistributor
	BonusDistributors  map[string]*rewards.BonusDistributor
	Vesters            map[string]*vesting.Vester
	Router             *router.Router
	RouterID           string

	tokenIDs   []string
	trackerIDs []string
	vesterIDs  []string

	clock clock.Clock
}

// Build assembles a stack from a validated ledger configuration. Genesis
// mints and distributor funding are applied, distributors are started and
// every cross-component role the router chain needs is granted.
func Build(cfg *config.Ledger, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := buildOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.clock == nil {
		options.clock = clock.New()
	}
	if options.emitter == nil {
		options.emitter = events.NoopEmitter{}
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	gov, err := cfg.GovernorAddress()
	if err != nil {
		return nil, err
	}
	governance := common.NewGovernance(gov)
	s := &Stack{
		Governor:           gov,
		Governance:         governance,
		Pauses:             common.NewPauseSet(governance),
		Tokens:             make(map[string]*token.BaseToken),
		Trackers:           make(map[string]*rewards.Tracker),
		RewardDistributors: make(map[string]*rewards.RewardDistributor),
		BonusDistributors:  make(map[string]*rewards.BonusDistributor),
		Vesters:            make(map[string]*vesting.Vester),
		clock:              options.clock,
	}
	b := &builder{stack: s, gov: gov, opts: options}

	for _, tc := range cfg.Tokens {
		if err := b.token(tc); err != nil {
			return nil, fmt.Errorf("token %q: %w", tc.ID, err)
		}
	}
	for _, tc := range cfg.Trackers {
		if err := b.tracker(tc); err != nil {
			return nil, fmt.Errorf("tracker %q: %w", tc.ID, err)
		}
	}
	for _, vc := range cfg.Vesters {
		if err := b.vester(vc); err != nil {
			return nil, fmt.Errorf("vester %q: %w", vc.ID, err)
		}
	}
	if cfg.Router != nil {
		if err := b.router(*cfg.Router); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
	}
	// Genesis minting is the governor's only use of the minter role.
	for _, id := range s.tokenIDs {
		if err := s.Tokens[id].SetMinter(gov, gov, false); err != nil {
			return nil, err
		}
	}
	options.logger.Info("ledger stack built",
		slog.Int("tokens", len(s.tokenIDs)),
		slog.Int("trackers", len(s.trackerIDs)),
		slog.Int("vesters", len(s.vesterIDs)),
		slog.Bool("router", s.Router != nil))
	return s, nil
}

// TokenIDs lists token identifiers in configuration order.
func (s *Stack) TokenIDs() []string { return append([]string(nil), s.tokenIDs...) }

// TrackerIDs lists tracker identifiers in configuration order.
func (s *Stack) TrackerIDs() []string { return append([]string(nil), s.trackerIDs...) }

// VesterIDs lists vester identifiers in configuration order.
func (s *Stack) VesterIDs() []string { return append([]string(nil), s.vesterIDs...) }

// Distributor returns the distributor attached to tracker id.
func (s *Stack) Distributor(id string) (rewards.Distributor, bool) {
	if d, ok := s.RewardDistributors[id]; ok {
		return d, true
	}
	if d, ok := s.BonusDistributors[id]; ok {
		return d, true
	}
	return nil, false
}

// Now reports the stack clock in Unix seconds.
func (s *Stack) Now() uint64 {
	return uint64(s.clock.Now().Unix())
}

// Update runs fn with exclusive access to the stack.
func (s *Stack) Update(fn func(*Stack) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// View runs fn with shared access to the stack.
func (s *Stack) View(fn func(*Stack) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s)
}

type builder struct {
	stack *Stack
	gov   crypto.Address
	opts  buildOptions
}

func (b *builder) token(tc config.Token) error {
	tok := token.NewBaseToken(crypto.ModuleAddress(tc.ID), tc.Name, tc.Symbol, tc.Decimals, b.stack.Governance)
	tok.SetEmitter(b.opts.emitter)
	if err := tok.SetMinter(b.gov, b.gov, true); err != nil {
		return err
	}
	for _, mint := range tc.Mints {
		account, err := config.DecodeAccount(mint.Account)
		if err != nil {
			return err
		}
		amount, err := config.ParseAmount(mint.Amount)
		if err != nil {
			return err
		}
		if err := tok.Mint(b.gov, account, amount); err != nil {
			return err
		}
	}
	if tc.PrivateTransfer {
		if err := tok.SetInPrivateTransferMode(b.gov, true); err != nil {
			return err
		}
	}
	b.stack.Tokens[tc.ID] = tok
	b.stack.tokenIDs = append(b.stack.tokenIDs, tc.ID)
	return nil
}

// asset resolves id to a token or an already built tracker.
func (b *builder) asset(id string) (token.Token, bool) {
	if tok, ok := b.stack.Tokens[id]; ok {
		return tok, true
	}
	if tr, ok := b.stack.Trackers[id]; ok {
		return tr, true
	}
	return nil, false
}

// grantHandler lets handler move balances of asset without allowances.
func (b *builder) grantHandler(asset token.Token, handler crypto.Address) error {
	switch a := asset.(type) {
	case *token.BaseToken:
		return a.SetHandler(b.gov, handler, true)
	case *rewards.Tracker:
		return a.SetHandler(b.gov, handler, true)
	default:
		return fmt.Errorf("asset %s does not support handlers", asset.Symbol())
	}
}

func (b *builder) tracker(tc config.Tracker) error {
	tracker := rewards.NewTracker(crypto.ModuleAddress(tc.ID), tc.Name, tc.Symbol, b.stack.Governance)
	tracker.SetEmitter(b.opts.emitter)
	tracker.SetLogger(b.opts.logger)
	tracker.SetPauses(b.stack.Pauses)

	deposits := make([]token.Token, 0, len(tc.DepositTokens))
	for _, id := range tc.DepositTokens {
		asset, ok := b.asset(id)
		if !ok {
			return fmt.Errorf("unknown deposit token %q", id)
		}
		deposits = append(deposits, asset)
	}
	rewardToken, ok := b.stack.Tokens[tc.Distributor.RewardToken]
	if !ok {
		return fmt.Errorf("unknown reward token %q", tc.Distributor.RewardToken)
	}

	dstAddress := crypto.ModuleAddress(tc.ID + "-distributor")
	var dst rewards.Distributor
	switch tc.Distributor.Kind {
	case config.DistributorBonus:
		bonus := rewards.NewBonusDistributor(dstAddress, rewardToken, tracker, b.stack.Governance, b.stack.clock)
		bonus.SetEmitter(b.opts.emitter)
		bonus.SetLogger(b.opts.logger)
		b.stack.BonusDistributors[tc.ID] = bonus
		dst = bonus
	default:
		fixed := rewards.NewRewardDistributor(dstAddress, rewardToken, tracker, b.stack.Governance, b.stack.clock)
		fixed.SetEmitter(b.opts.emitter)
		fixed.SetLogger(b.opts.logger)
		b.stack.RewardDistributors[tc.ID] = fixed
		dst = fixed
	}
	if err := tracker.Initialize(b.gov, deposits, dst); err != nil {
		return err
	}

	for _, asset := range deposits {
		if err := b.grantHandler(asset, tracker.Address()); err != nil {
			return err
		}
	}
	for _, handler := range []crypto.Address{dst.Address(), tracker.Address()} {
		if err := rewardToken.SetHandler(b.gov, handler, true); err != nil {
			return err
		}
	}
	for _, raw := range tc.Handlers {
		handler, err := config.DecodeAccount(raw)
		if err != nil {
			return err
		}
		if err := tracker.SetHandler(b.gov, handler, true); err != nil {
			return err
		}
	}
	modes := []struct {
		enabled bool
		set     func(crypto.Address, bool) error
	}{
		{tc.PrivateTransfer, tracker.SetInPrivateTransferMode},
		{tc.PrivateStaking, tracker.SetInPrivateStakingMode},
		{tc.PrivateClaiming, tracker.SetInPrivateClaimingMode},
	}
	for _, mode := range modes {
		if !mode.enabled {
			continue
		}
		if err := mode.set(b.gov, true); err != nil {
			return err
		}
	}

	fund, err := config.ParseAmount(tc.Distributor.Fund)
	if err != nil {
		return err
	}
	if fund.Sign() > 0 {
		if err := rewardToken.Mint(b.gov, dst.Address(), fund); err != nil {
			return err
		}
	}
	switch d := dst.(type) {
	case *rewards.RewardDistributor:
		if err := d.UpdateLastDistributionTime(b.gov); err != nil {
			return err
		}
		rate, err := config.ParseAmount(tc.Distributor.TokensPerInterval)
		if err != nil {
			return err
		}
		if rate.Sign() > 0 {
			if err := d.SetTokensPerInterval(b.gov, rate); err != nil {
				return err
			}
		}
	case *rewards.BonusDistributor:
		if err := d.UpdateLastDistributionTime(b.gov); err != nil {
			return err
		}
		if tc.Distributor.BonusMultiplierBPS > 0 {
			if err := d.SetBonusMultiplier(b.gov, tc.Distributor.BonusMultiplierBPS); err != nil {
				return err
			}
		}
	}

	b.stack.Trackers[tc.ID] = tracker
	b.stack.trackerIDs = append(b.stack.trackerIDs, tc.ID)
	return nil
}

func (b *builder) vester(vc config.Vester) error {
	es, ok := b.stack.Tokens[vc.EsToken]
	if !ok {
		return fmt.Errorf("unknown es token %q", vc.EsToken)
	}
	claimable, ok := b.stack.Tokens[vc.ClaimableToken]
	if !ok {
		return fmt.Errorf("unknown claimable token %q", vc.ClaimableToken)
	}
	vcfg := vesting.Config{
		Address:         crypto.ModuleAddress(vc.ID),
		Name:            vc.Name,
		Symbol:          vc.Symbol,
		VestingDuration: vc.VestingDuration,
		EsToken:         es,
		ClaimableToken:  claimable,
	}
	if vc.PairToken != "" {
		pair, ok := b.asset(vc.PairToken)
		if !ok {
			return fmt.Errorf("unknown pair token %q", vc.PairToken)
		}
		vcfg.PairToken = pair
	}
	if vc.RewardTracker != "" {
		tracker, ok := b.stack.Trackers[vc.RewardTracker]
		if !ok {
			return fmt.Errorf("unknown reward tracker %q", vc.RewardTracker)
		}
		vcfg.RewardTracker = tracker
	}
	v, err := vesting.NewVester(vcfg, b.stack.Governance, b.stack.clock)
	if err != nil {
		return err
	}
	v.SetEmitter(b.opts.emitter)
	v.SetLogger(b.opts.logger)
	v.SetPauses(b.stack.Pauses)

	if err := es.SetMinter(b.gov, v.Address(), true); err != nil {
		return err
	}
	for _, asset := range []token.Token{es, claimable} {
		if err := b.grantHandler(asset, v.Address()); err != nil {
			return err
		}
	}
	if vcfg.PairToken != nil {
		if err := b.grantHandler(vcfg.PairToken, v.Address()); err != nil {
			return err
		}
	}
	if vc.HasMaxVestableAmount != nil {
		if err := v.SetHasMaxVestableAmount(b.gov, *vc.HasMaxVestableAmount); err != nil {
			return err
		}
	}
	for _, raw := range vc.Handlers {
		handler, err := config.DecodeAccount(raw)
		if err != nil {
			return err
		}
		if err := v.SetHandler(b.gov, handler, true); err != nil {
			return err
		}
	}
	fund, err := config.ParseAmount(vc.Fund)
	if err != nil {
		return err
	}
	if fund.Sign() > 0 {
		if err := claimable.Mint(b.gov, v.Address(), fund); err != nil {
			return err
		}
	}

	b.stack.Vesters[vc.ID] = v
	b.stack.vesterIDs = append(b.stack.vesterIDs, vc.ID)
	return nil
}

func (b *builder) router(rc config.Router) error {
	s := b.stack
	rcfg := router.Config{
		Address:       crypto.ModuleAddress(rc.ID),
		BaseToken:     s.Tokens[rc.BaseToken],
		EsToken:       s.Tokens[rc.EsToken],
		BnToken:       s.Tokens[rc.BnToken],
		StakedTracker: s.Trackers[rc.StakedTracker],
		BonusTracker:  s.Trackers[rc.BonusTracker],
		FeeTracker:    s.Trackers[rc.FeeTracker],
	}
	var v *vesting.Vester
	if rc.Vester != "" {
		v = s.Vesters[rc.Vester]
		rcfg.Vester = v
	}
	r, err := router.New(rcfg, s.Governance)
	if err != nil {
		return err
	}
	r.SetEmitter(b.opts.emitter)
	r.SetLogger(b.opts.logger)
	r.SetPauses(s.Pauses)
	r.SetJournal(routerJournal{stack: s})

	for _, id := range []string{rc.StakedTracker, rc.BonusTracker, rc.FeeTracker} {
		if err := s.Trackers[id].SetHandler(b.gov, r.Address(), true); err != nil {
			return err
		}
	}
	if err := s.Tokens[rc.EsToken].SetHandler(b.gov, r.Address(), true); err != nil {
		return err
	}
	if err := s.Tokens[rc.BnToken].SetMinter(b.gov, r.Address(), true); err != nil {
		return err
	}
	if v != nil {
		if err := v.SetHandler(b.gov, r.Address(), true); err != nil {
			return err
		}
	}
	s.Router = r
	s.RouterID = rc.ID
	return nil
}
