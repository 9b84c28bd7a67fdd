package chain

import (
	"crypto/ed25519"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	metricsBidsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_auction_bids_received_total",
		Help: "Total bids accepted across all auctions",
	})

	metricsAuctionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_auctions_finalized_total",
		Help: "Auction finalizations by outcome",
	}, []string{"outcome"})

	metricsBidsPerAuction = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_auction_bids_per_auction",
		Help:    "Number of eligible bids at finalization",
		Buckets: prometheus.LinearBuckets(0, 1, 16),
	})

	metricsWinningBid = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_auction_winning_bid_amount",
		Help:    "Winning bid amount distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// PlaceBid records a sealed bid for an Open task. One bid per
// (task, bidder); nonces are strictly monotonic per agent and the
// signature must verify against the agent's registered key.
func (c *Chain) PlaceBid(bid *Bid) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[bid.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	agent, ok := c.agents[bid.Bidder]
	if !ok {
		return ErrAgentNotFound
	}
	if !agent.Active {
		return ErrAgentInactive
	}
	if task.Status != TaskStatusOpen {
		metricsTxTotal.WithLabelValues("place_bid", "rejected").Inc()
		return fmt.Errorf("%w: task status %s", ErrBiddingClosed, task.Status)
	}
	now := c.now()
	if !now.Before(task.BiddingDeadline) {
		metricsTxTotal.WithLabelValues("place_bid", "rejected").Inc()
		return ErrBiddingClosed
	}
	if bid.Utility < 0 || bid.Utility > 100 {
		return fmt.Errorf("%w: utility %d", ErrOutOfRange, bid.Utility)
	}
	if bid.Amount < task.MinBid || bid.Amount > task.MaxBid {
		return fmt.Errorf("%w: amount %d outside [%d, %d]", ErrOutOfRange, bid.Amount, task.MinBid, task.MaxBid)
	}
	if bid.Nonce <= c.bidNonces[bid.Bidder] {
		metricsTxTotal.WithLabelValues("place_bid", "rejected").Inc()
		return fmt.Errorf("%w: nonce %d, last %d", ErrBadNonce, bid.Nonce, c.bidNonces[bid.Bidder])
	}
	for _, existing := range c.bids[bid.TaskID] {
		if existing.Bidder == bid.Bidder {
			metricsTxTotal.WithLabelValues("place_bid", "rejected").Inc()
			return ErrDuplicateBid
		}
	}

	digest := BidDigest(bid.TaskID, bid.Bidder, bid.Utility, bid.Amount, bid.Nonce)
	if !ed25519.Verify(agent.PublicKey, digest, bid.Signature) {
		metricsTxTotal.WithLabelValues("place_bid", "rejected").Inc()
		return ErrBadSignature
	}

	stored := *bid
	stored.Signature = append([]byte(nil), bid.Signature...)
	stored.SubmittedAt = now
	c.bids[bid.TaskID] = append(c.bids[bid.TaskID], &stored)
	c.bidNonces[bid.Bidder] = bid.Nonce

	metricsBidsReceived.Inc()
	metricsTxTotal.WithLabelValues("place_bid", "ok").Inc()
	c.logger.Info("bid placed",
		zap.String("task_id", bid.TaskID.String()),
		zap.String("bidder", bid.Bidder.String()),
		zap.Int("utility", bid.Utility),
		zap.Int64("amount", bid.Amount),
	)
	c.emit(BidPlaced{TaskID: bid.TaskID, Bidder: bid.Bidder, Utility: bid.Utility, Amount: bid.Amount})
	return nil
}

// HasAgentBid reports whether the agent already bid on the task.
func (c *Chain) HasAgentBid(id TaskID, bidder Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, bid := range c.bids[id] {
		if bid.Bidder == bidder {
			return true
		}
	}
	return false
}

// IsBiddingOpen reports whether the task accepts bids right now.
func (c *Chain) IsBiddingOpen(id TaskID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, ok := c.tasks[id]
	if !ok {
		return false
	}
	return task.Status == TaskStatusOpen && c.now().Before(task.BiddingDeadline)
}

// GetBids returns the task's bids in submission order.
func (c *Chain) GetBids(id TaskID) []*Bid {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Bid, 0, len(c.bids[id]))
	for _, bid := range c.bids[id] {
		copied := *bid
		copied.Signature = append([]byte(nil), bid.Signature...)
		out = append(out, &copied)
	}
	return out
}

// FinalizeAuction closes the bidding window and assigns the task to the
// bid maximizing utility*reputation*amount, ties broken by earliest
// submission. With no eligible bids the task reopens for a fresh window,
// or cancels after MaxEmptyRounds consecutive empty rounds. Finalization
// is the linearization point for winner selection: observers must treat
// Open -> Assigned as committed only once this returns.
func (c *Chain) FinalizeAuction(id TaskID) (*Bid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != TaskStatusOpen {
		metricsTxTotal.WithLabelValues("finalize_auction", "rejected").Inc()
		return nil, fmt.Errorf("%w: task status %s", ErrIllegalState, task.Status)
	}
	now := c.now()
	if now.Before(task.BiddingDeadline) {
		metricsTxTotal.WithLabelValues("finalize_auction", "rejected").Inc()
		return nil, ErrBiddingOpen
	}

	var winner *Bid
	var winnerScore int64
	eligible := 0
	for _, bid := range c.bids[id] {
		agent, ok := c.agents[bid.Bidder]
		if !ok || !agent.Active {
			continue
		}
		if agent.Reputation < task.MinReputation {
			continue
		}
		eligible++
		score := int64(bid.Utility) * int64(agent.Reputation) * bid.Amount
		if winner == nil || score > winnerScore ||
			(score == winnerScore && bid.SubmittedAt.Before(winner.SubmittedAt)) {
			winner = bid
			winnerScore = score
		}
	}
	metricsBidsPerAuction.Observe(float64(eligible))

	if winner == nil {
		c.emptyRounds[id]++
		c.emit(AuctionFinalized{TaskID: id, Winner: nil, Bids: eligible})

		if c.emptyRounds[id] >= c.params.MaxEmptyRounds {
			metricsAuctionsFinalized.WithLabelValues("cancelled").Inc()
			c.logger.Warn("auction cancelled after empty rounds",
				zap.String("task_id", id.String()),
				zap.Int("rounds", c.emptyRounds[id]),
			)
			if err := c.cancelTaskLocked(c.engine, id); err != nil {
				return nil, err
			}
			return nil, ErrNoBids
		}

		// Reopen with a fresh window; stale bids are discarded.
		task.BiddingDeadline = now.Add(c.params.BiddingWindow)
		c.bids[id] = nil
		metricsAuctionsFinalized.WithLabelValues("empty").Inc()
		c.logger.Info("auction round empty, task reopened",
			zap.String("task_id", id.String()),
			zap.Time("bidding_deadline", task.BiddingDeadline),
		)
		c.emit(TaskOpened{TaskID: id, BiddingDeadline: task.BiddingDeadline})
		return nil, ErrNoBids
	}

	delete(c.emptyRounds, id)
	if err := c.assignTaskLocked(id, []Address{winner.Bidder}); err != nil {
		return nil, err
	}

	metricsAuctionsFinalized.WithLabelValues("awarded").Inc()
	metricsWinningBid.Observe(float64(winner.Amount))
	c.logger.Info("auction finalized",
		zap.String("task_id", id.String()),
		zap.String("winner", winner.Bidder.String()),
		zap.Int64("score", winnerScore),
		zap.Int("eligible_bids", eligible),
	)
	winnerAddr := winner.Bidder
	c.emit(AuctionFinalized{TaskID: id, Winner: &winnerAddr, Bids: eligible})

	copied := *winner
	copied.Signature = append([]byte(nil), winner.Signature...)
	return &copied, nil
}
