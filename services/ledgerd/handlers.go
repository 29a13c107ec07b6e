package ledgerd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakeledger/config"
	"stakeledger/core/ledger"
	"stakeledger/crypto"
	"stakeledger/native/router"
)

const maxBodyBytes = 1 << 16

type stateResponse struct {
	Root      string   `json:"root"`
	Timestamp uint64   `json:"timestamp"`
	Governor  string   `json:"governor"`
	Tokens    []string `json:"tokens"`
	Trackers  []string `json:"trackers"`
	Vesters   []string `json:"vesters"`
	Router    string   `json:"router,omitempty"`
	Paused    []string `json:"paused"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	root, err := s.stack.StateRoot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := stateResponse{
		Root:      root.Hex(),
		Timestamp: s.stack.Now(),
		Governor:  s.stack.Governance.Gov().String(),
		Tokens:    s.stack.TokenIDs(),
		Trackers:  s.stack.TrackerIDs(),
		Vesters:   s.stack.VesterIDs(),
		Paused:    s.stack.Pauses.Paused(),
	}
	if s.stack.Router != nil {
		resp.Router = s.stack.Router.Address().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.stack.Tokens[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":      tok.Address().String(),
		"name":         tok.Name(),
		"symbol":       tok.Symbol(),
		"decimals":     tok.Decimals(),
		"total_supply": tok.TotalSupply().String(),
	})
}

func (s *Server) handleTokenAccount(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.stack.Tokens[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown token"))
		return
	}
	account, ok := accountParam(w, r, "account")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": tok.BalanceOf(account).String()})
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.stack.Trackers[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown tracker"))
		return
	}
	resp := map[string]interface{}{
		"address":                     tracker.Address().String(),
		"name":                        tracker.Name(),
		"symbol":                      tracker.Symbol(),
		"total_supply":                tracker.TotalSupply().String(),
		"tokens_per_interval":         tracker.TokensPerInterval().String(),
		"cumulative_reward_per_token": tracker.CumulativeRewardPerToken().String(),
		"private_transfer":            tracker.InPrivateTransferMode(),
		"private_staking":             tracker.InPrivateStakingMode(),
		"private_claiming":            tracker.InPrivateClaimingMode(),
	}
	if rewardToken := tracker.RewardToken(); rewardToken != nil {
		resp["reward_token"] = rewardToken.Symbol()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrackerAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tracker, ok := s.stack.Trackers[id]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown tracker"))
		return
	}
	account, ok := accountParam(w, r, "account")
	if !ok {
		return
	}
	deposits := make(map[string]string)
	for _, tokenID := range s.stack.TokenIDs() {
		addr := s.stack.Tokens[tokenID].Address()
		if tracker.IsDepositToken(addr) {
			deposits[tokenID] = tracker.DepositBalance(account, addr).String()
		}
	}
	for _, trackerID := range s.stack.TrackerIDs() {
		addr := s.stack.Trackers[trackerID].Address()
		if tracker.IsDepositToken(addr) {
			deposits[trackerID] = tracker.DepositBalance(account, addr).String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":               tracker.BalanceOf(account).String(),
		"staked":                tracker.StakedAmount(account).String(),
		"claimable":             tracker.Claimable(account).String(),
		"cumulative_rewards":    tracker.CumulativeRewards(account).String(),
		"average_staked_amount": tracker.AverageStakedAmount(account).String(),
		"deposits":              deposits,
	})
}

func (s *Server) handleVester(w http.ResponseWriter, r *http.Request) {
	v, ok := s.stack.Vesters[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown vester"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":                 v.Address().String(),
		"symbol":                  v.Symbol(),
		"vesting_duration":        v.VestingDuration(),
		"total_supply":            v.TotalSupply().String(),
		"pair_supply":             v.PairSupply().String(),
		"has_max_vestable_amount": v.HasMaxVestableAmount(),
	})
}

func (s *Server) handleVesterAccount(w http.ResponseWriter, r *http.Request) {
	v, ok := s.stack.Vesters[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown vester"))
		return
	}
	account, ok := accountParam(w, r, "account")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance":             v.BalanceOf(account).String(),
		"claimable":           v.Claimable(account).String(),
		"claimed":             v.ClaimedAmount(account).String(),
		"total_vested":        v.TotalVested(account).String(),
		"pair_amount":         v.PairAmount(account).String(),
		"max_vestable_amount": v.MaxVestableAmount(account).String(),
	})
}

func (s *Server) handlePendingTransfer(w http.ResponseWriter, r *http.Request) {
	if s.stack.Router == nil {
		writeError(w, http.StatusNotFound, errors.New("router not configured"))
		return
	}
	sender, ok := accountParam(w, r, "sender")
	if !ok {
		return
	}
	receiver, pending := s.stack.Router.PendingReceiver(sender)
	if !pending {
		writeError(w, http.StatusNotFound, errors.New("no pending transfer"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sender": sender.String(), "receiver": receiver.String()})
}

type operationRequest struct {
	Amount   string   `json:"amount"`
	Receiver string   `json:"receiver"`
	Sender   string   `json:"sender"`
	Module   string   `json:"module"`
	Paused   bool     `json:"paused"`
	Accounts []string `json:"accounts"`

	ClaimVested           bool `json:"claim_vested"`
	StakeVested           bool `json:"stake_vested"`
	ClaimEsToken          bool `json:"claim_es_token"`
	StakeEsToken          bool `json:"stake_es_token"`
	StakeMultiplierPoints bool `json:"stake_multiplier_points"`
	ClaimFees             bool `json:"claim_fees"`
}

func (req operationRequest) rewardOptions() router.HandleRewardsOptions {
	return router.HandleRewardsOptions{
		ClaimVested:           req.ClaimVested,
		StakeVested:           req.StakeVested,
		ClaimEsToken:          req.ClaimEsToken,
		StakeEsToken:          req.StakeEsToken,
		StakeMultiplierPoints: req.StakeMultiplierPoints,
		ClaimFees:             req.ClaimFees,
	}
}

type operationResponse struct {
	Operation string            `json:"operation"`
	Account   string            `json:"account"`
	Amounts   map[string]string `json:"amounts,omitempty"`
}

func (s *Server) handleRouterOp(w http.ResponseWriter, r *http.Request) {
	if s.stack.Router == nil {
		writeError(w, http.StatusNotFound, errors.New("router not configured"))
		return
	}
	op := chi.URLParam(r, "op")
	s.execute(w, r, "router."+op, func(caller crypto.Address, req operationRequest) (map[string]string, error) {
		rt := s.stack.Router
		switch op {
		case "stake", "stake-es", "unstake", "unstake-es":
			amount, err := parseAmount(req.Amount)
			if err != nil {
				return nil, err
			}
			switch op {
			case "stake":
				return nil, rt.Stake(caller, amount)
			case "stake-es":
				return nil, rt.StakeEsToken(caller, amount)
			case "unstake":
				return nil, rt.Unstake(caller, amount)
			default:
				return nil, rt.UnstakeEsToken(caller, amount)
			}
		case "claim":
			return nil, rt.Claim(caller)
		case "claim-es":
			amount, err := rt.ClaimEs(caller)
			return amounts("es_token", amount), err
		case "claim-fees":
			amount, err := rt.ClaimFees(caller)
			return amounts("fees", amount), err
		case "compound":
			return nil, rt.Compound(caller)
		case "handle-rewards":
			res, err := rt.HandleRewards(caller, req.rewardOptions())
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"vested":            res.Vested.String(),
				"es_token":          res.EsToken.String(),
				"multiplier_points": res.MultiplierPoints.String(),
				"fees":              res.Fees.String(),
			}, nil
		case "signal-transfer":
			receiver, err := config.DecodeAccount(req.Receiver)
			if err != nil {
				return nil, badRequest(err)
			}
			return nil, rt.SignalTransfer(caller, receiver)
		case "accept-transfer":
			sender, err := config.DecodeAccount(req.Sender)
			if err != nil {
				return nil, badRequest(err)
			}
			return nil, rt.AcceptTransfer(caller, sender)
		}
		return nil, errUnknownOperation
	})
}

func (s *Server) handleVesterOp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := s.stack.Vesters[id]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown vester"))
		return
	}
	op := chi.URLParam(r, "op")
	s.execute(w, r, "vester."+op, func(caller crypto.Address, req operationRequest) (map[string]string, error) {
		switch op {
		case "deposit":
			amount, err := parseAmount(req.Amount)
			if err != nil {
				return nil, err
			}
			return nil, v.Deposit(caller, amount)
		case "claim":
			amount, err := v.Claim(caller, caller)
			return amounts("claimed", amount), err
		case "withdraw":
			return nil, v.Withdraw(caller)
		}
		return nil, errUnknownOperation
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, "admin.pause", func(caller crypto.Address, req operationRequest) (map[string]string, error) {
		if req.Module == "" {
			return nil, badRequest(errors.New("module required"))
		}
		return nil, s.stack.Pauses.SetPaused(caller, req.Module, req.Paused)
	})
}

func (s *Server) handleBatchCompound(w http.ResponseWriter, r *http.Request) {
	if s.stack.Router == nil {
		writeError(w, http.StatusNotFound, errors.New("router not configured"))
		return
	}
	s.execute(w, r, "admin.compound", func(caller crypto.Address, req operationRequest) (map[string]string, error) {
		accounts := make([]crypto.Address, 0, len(req.Accounts))
		for _, raw := range req.Accounts {
			account, err := config.DecodeAccount(raw)
			if err != nil {
				return nil, badRequest(err)
			}
			accounts = append(accounts, account)
		}
		return nil, s.stack.Router.BatchCompoundForAccounts(caller, accounts)
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	seq, err := s.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"sequence": seq})
}

var errUnknownOperation = errors.New("unknown operation")

type requestError struct{ err error }

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return requestError{err: err} }

// execute decodes the request body, runs fn as the authenticated caller
// under the stack's write lock and renders the outcome.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, operation string, fn func(crypto.Address, operationRequest) (map[string]string, error)) {
	caller, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("unauthenticated"))
		return
	}
	var req operationRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}

	_, span := s.tracer.Start(r.Context(), "ledgerd."+operation, trace.WithAttributes(
		attribute.String("ledger.operation", operation),
		attribute.String("ledger.account", caller.String()),
	))
	defer span.End()

	var result map[string]string
	err = s.stack.Update(func(*ledger.Stack) error {
		var opErr error
		result, opErr = fn(caller, req)
		return opErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := statusFor(err)
		var reqErr requestError
		switch {
		case errors.As(err, &reqErr):
			status = http.StatusBadRequest
		case errors.Is(err, errUnknownOperation):
			status = http.StatusNotFound
		}
		s.logger.Debug("ledgerd operation rejected",
			slog.String("operation", operation),
			slog.String("account", caller.String()),
			slog.Any("error", err))
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Operation: operation, Account: caller.String(), Amounts: result})
}

func accountParam(w http.ResponseWriter, r *http.Request, name string) (crypto.Address, bool) {
	account, err := config.DecodeAccount(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, false
	}
	return account, true
}

func parseAmount(raw string) (*big.Int, error) {
	amount, err := config.ParseAmount(raw)
	if err != nil {
		return nil, badRequest(err)
	}
	return amount, nil
}

func amounts(key string, v *big.Int) map[string]string {
	if v == nil {
		return nil
	}
	return map[string]string{key: v.String()}
}
