package meshmsg

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/messaging"
)

// triggerDrain schedules a queue drain. At most one drain runs at a
// time; triggers arriving while one is in flight coalesce into a
// single follow-up pass. A forced drain ignores per-item backoff
// windows, so a reachability transition retries everything at once.
// When a pass leaves items waiting out their backoff, a timer re-drain
// is scheduled for the earliest retry time, so no queued message ever
// depends on an unrelated trigger to move again.
func (s *Session) triggerDrain(force bool) {
	if s.ctx.Err() != nil {
		return
	}

	s.drainMu.Lock()
	if force {
		s.drainForce = true
	}
	if s.draining {
		s.drainPending = true
		s.drainMu.Unlock()
		return
	}
	s.draining = true
	s.drainMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.drainMu.Lock()
			forced := s.drainForce
			s.drainForce = false
			s.drainMu.Unlock()

			result, nextRetry := s.drainOnce(s.ctx, forced)

			s.callbackMu.Lock()
			fn := s.drainCallback
			s.callbackMu.Unlock()
			if fn != nil {
				fn(result)
			}

			s.drainMu.Lock()
			if !s.drainPending {
				s.draining = false
				s.drainMu.Unlock()
				if !nextRetry.IsZero() {
					s.scheduleRedrain(nextRetry)
				}
				return
			}
			s.drainPending = false
			s.drainMu.Unlock()
		}
	}()
}

// scheduleRedrain arms a one-shot timer for the next backoff expiry.
// A newer schedule replaces an older one; the later drain pass will
// recompute whatever is still owed.
func (s *Session) scheduleRedrain(at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
	}
	s.drainTimer = time.AfterFunc(delay, func() {
		s.triggerDrain(false)
	})
}

// drainOnce walks the pending queue in insertion order and submits
// each entry whose backoff window has passed, or every entry when
// forced. Per-item failures are counted and logged, never abort the
// pass. The second return value is the earliest retry time among items
// left in the queue, or zero when nothing is owed a retry.
func (s *Session) drainOnce(ctx context.Context, force bool) (DrainResult, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result DrainResult
	var nextRetry time.Time
	if s.relay == nil {
		return result, nextRetry
	}

	items, err := s.store.ListQueue()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "drainOnce",
			"error":    err,
		}).Error("Failed to list queue")
		return result, nextRetry
	}

	now := time.Now()
	for _, item := range items {
		select {
		case <-ctx.Done():
			return result, nextRetry
		default:
		}

		if retryAt := item.NextAttemptAfter(s.options.RetryBackoff); !force && now.Before(retryAt) {
			result.Skipped++
			if nextRetry.IsZero() || retryAt.Before(nextRetry) {
				nextRetry = retryAt
			}
			continue
		}

		result.Attempted++
		_, err := s.relay.Submit(ctx, s.identity.PublicEncryptionKey(), item.RecipientPublicKey,
			item.Ciphertext, item.IV[:], item.Signature)
		if err != nil {
			result.Failed++
			logrus.WithFields(logrus.Fields{
				"function":   "drainOnce",
				"message_id": item.ID,
				"attempts":   item.Attempts + 1,
				"error":      err,
			}).Warn("Queued delivery attempt failed")
			attemptAt := time.Now()
			if uerr := s.store.UpdateAttempts(item.ID, item.Attempts+1, attemptAt); uerr != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "drainOnce",
					"message_id": item.ID,
					"error":      uerr,
				}).Error("Failed to record delivery attempt")
			}
			failed := *item
			failed.Attempts++
			failed.LastAttempt = &attemptAt
			if retryAt := failed.NextAttemptAfter(s.options.RetryBackoff); nextRetry.IsZero() || retryAt.Before(nextRetry) {
				nextRetry = retryAt
			}
			continue
		}

		if uerr := s.store.UpdateStatus(item.ID, messaging.StatusSent); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "drainOnce",
				"message_id": item.ID,
				"error":      uerr,
			}).Error("Failed to update message status")
		}
		if uerr := s.store.SetDeliveryMethod(item.ID, messaging.DeliveryStoreForward); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "drainOnce",
				"message_id": item.ID,
				"error":      uerr,
			}).Error("Failed to record delivery method")
		}
		if uerr := s.store.DequeueByID(item.ID); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "drainOnce",
				"message_id": item.ID,
				"error":      uerr,
			}).Error("Failed to dequeue delivered message")
		}
		result.Delivered++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "drainOnce",
		"attempted": result.Attempted,
		"delivered": result.Delivered,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("Queue drain pass complete")

	return result, nextRetry
}

// ensureSubscribed starts the relay push subscription once. The
// subscription reconnects with a delay until the session closes;
// notices are hints only, every one triggers a drain and a fetch.
func (s *Session) ensureSubscribed() {
	if s.relay == nil {
		return
	}

	s.drainMu.Lock()
	if s.subscribed {
		s.drainMu.Unlock()
		return
	}
	s.subscribed = true
	s.drainMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			notices, err := s.relay.Subscribe(s.ctx, s.identity.PublicEncryptionKey())
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ensureSubscribed",
					"error":    err,
				}).Warn("Relay subscription failed")
			} else {
				for range notices {
					s.triggerDrain(false)
					s.fetchInbound(s.ctx)
				}
			}

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// fetchInbound pulls pending envelopes from the relay and processes
// each one. Envelopes that fail verification or decryption are
// discarded without acknowledgement, so the relay expires them.
func (s *Session) fetchInbound(ctx context.Context) {
	if s.relay == nil {
		return
	}

	envelopes, err := s.relay.Fetch(ctx, s.identity.PublicEncryptionKey())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchInbound",
			"error":    err,
		}).Warn("Failed to fetch from relay")
		return
	}

	for _, env := range envelopes {
		s.processEnvelope(ctx, env)
	}
}
