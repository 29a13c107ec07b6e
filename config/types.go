package config

// Ledger describes the full staking topology: primitive tokens, reward
// trackers with their distributors, vesters and the router tying them
// together. Identifiers are local to the file; component addresses are
// derived from them.
type Ledger struct {
	Governor string    `toml:"governor"`
	Tokens   []Token   `toml:"tokens"`
	Trackers []Tracker `toml:"trackers"`
	Vesters  []Vester  `toml:"vesters"`
	Router   *Router   `toml:"router"`
}

// Mint credits an initial balance at genesis.
type Mint struct {
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

// Token is a primitive fungible token.
type Token struct {
	ID              string `toml:"id"`
	Name            string `toml:"name"`
	Symbol          string `toml:"symbol"`
	Decimals        uint8  `toml:"decimals"`
	PrivateTransfer bool   `toml:"private_transfer"`
	Mints           []Mint `toml:"mints"`
}

// Distributor kinds.
const (
	DistributorFixed = "fixed"
	DistributorBonus = "bonus"
)

// Distributor configures the emission source of a tracker. Fixed
// distributors release TokensPerInterval every second; bonus distributors
// release BonusMultiplierBPS of the tracker's supply per year.
type Distributor struct {
	Kind               string `toml:"kind"`
	RewardToken        string `toml:"reward_token"`
	TokensPerInterval  string `toml:"tokens_per_interval"`
	BonusMultiplierBPS uint64 `toml:"bonus_multiplier_bps"`
	// Fund is minted to the distributor at genesis.
	Fund string `toml:"fund"`
}

// Tracker configures a reward tracker. Deposit tokens reference tokens or
// trackers declared earlier in the file.
type Tracker struct {
	ID              string      `toml:"id"`
	Name            string      `toml:"name"`
	Symbol          string      `toml:"symbol"`
	DepositTokens   []string    `toml:"deposit_tokens"`
	PrivateTransfer bool        `toml:"private_transfer"`
	PrivateStaking  bool        `toml:"private_staking"`
	PrivateClaiming bool        `toml:"private_claiming"`
	Handlers        []string    `toml:"handlers"`
	Distributor     Distributor `toml:"distributor"`
}

// Vester configures a vester.
type Vester struct {
	ID              string `toml:"id"`
	Name            string `toml:"name"`
	Symbol          string `toml:"symbol"`
	VestingDuration uint64 `toml:"vesting_duration"`
	EsToken         string `toml:"es_token"`
	ClaimableToken  string `toml:"claimable_token"`
	PairToken       string `toml:"pair_token"`
	RewardTracker   string `toml:"reward_tracker"`
	// HasMaxVestableAmount defaults to true when a reward tracker is set.
	HasMaxVestableAmount *bool    `toml:"has_max_vestable_amount"`
	Handlers             []string `toml:"handlers"`
	// Fund is minted in the claimable token to the vester at genesis.
	Fund string `toml:"fund"`
}

// Router wires the staked, bonus and fee tracker chain.
type Router struct {
	ID            string `toml:"id"`
	BaseToken     string `toml:"base_token"`
	EsToken       string `toml:"es_token"`
	BnToken       string `toml:"bn_token"`
	StakedTracker string `toml:"staked_tracker"`
	BonusTracker  string `toml:"bonus_tracker"`
	FeeTracker    string `toml:"fee_tracker"`
	Vester        string `toml:"vester"`
}
