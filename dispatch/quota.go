/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"fmt"
	"time"
)

// quotaDay returns the UTC day a send at t is counted against.
func quotaDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DailyCap returns the effective per day limit, zero means unlimited.
func (c *Configuration) DailyCap() int {
	limit := c.MaxEmailsPerDay
	if c.Limits != nil && c.Limits.Daily > 0 && (limit <= 0 || c.Limits.Daily < limit) {
		limit = c.Limits.Daily
	}
	return limit
}

// SentToday returns the counter value valid for the day of now.
func (c *Configuration) SentToday(now time.Time) int {
	if c.QuotaWindow == nil || !c.QuotaWindow.Equal(quotaDay(now)) {
		return 0
	}
	return c.CurrentEmailsSent
}

// QuotaExhausted reports whether no further mail may be sent today.
func (c *Configuration) QuotaExhausted(now time.Time) bool {
	limit := c.DailyCap()
	return limit > 0 && c.SentToday(now) >= limit
}

// rollQuota resets the counter when a new day started.
func (c *Configuration) rollQuota(now time.Time) {
	day := quotaDay(now)
	if c.QuotaWindow == nil || !c.QuotaWindow.Equal(day) {
		c.CurrentEmailsSent = 0
		c.QuotaWindow = &day
	}
}

// reserveQuota takes one send from today's quota.
func reserveQuota(c *Configuration, now time.Time) error {
	c.rollQuota(now)
	if c.QuotaExhausted(now) {
		return fmt.Errorf("%w: %d of %d sent today", ErrQuotaExceeded, c.CurrentEmailsSent, c.DailyCap())
	}
	c.CurrentEmailsSent++
	return nil
}

// releaseQuota returns a reserved send after a failed attempt.
func releaseQuota(c *Configuration, now time.Time) {
	if c.QuotaWindow != nil && c.QuotaWindow.Equal(quotaDay(now)) && c.CurrentEmailsSent > 0 {
		c.CurrentEmailsSent--
	}
}
