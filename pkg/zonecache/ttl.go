package zonecache

import "time"

const thirtyDaysSeconds int64 = 30 * 24 * 60 * 60

// validateTTL enforces §4.8's memcached-style TTL rules: ttl is seconds.
func validateTTL(ttlSeconds int64, now time.Time) error {
	if ttlSeconds < 0 {
		return errInvalidTTL
	}
	if ttlSeconds > now.UnixMilli() {
		return errInvalidTTL
	}
	if ttlSeconds > thirtyDaysSeconds && ttlSeconds <= now.Unix() {
		return errInvalidTTL
	}
	return nil
}

var errInvalidTTL = &ttlError{}

type ttlError struct{}

func (e *ttlError) Error() string { return "ttl validation failed" }
