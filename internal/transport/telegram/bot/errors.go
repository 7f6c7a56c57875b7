package bot

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgrelay/internal/transport"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classifyError maps a telebot error onto the transport error types.
//
// Order: FloodError (structured retry_after), then *tele.Error with code 429,
// then free text mentioning "retry after N". Anything else is a delivery
// failure.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		return rl
	}
	var de *transport.DeliveryError
	if errors.As(err, &de) {
		return de
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}

	var ge tele.GroupError
	if errors.As(err, &ge) {
		return &transport.DeliveryError{
			Code:        http.StatusBadRequest,
			Description: "group chat was upgraded to a supergroup chat",
			Response:    map[string]any{"migrate_to_chat_id": ge.MigratedTo},
			Err:         err,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		if te.Code == http.StatusTooManyRequests {
			wait, _ := parseRetryAfter(te.Description + " " + te.Message)
			return &transport.RateLimitedError{RetryAfter: wait, Err: err}
		}
		return &transport.DeliveryError{
			Code:        te.Code,
			Description: te.Description,
			Message:     te.Message,
			Err:         err,
		}
	}

	msg := err.Error()
	if wait, ok := parseRetryAfter(msg); ok || strings.Contains(strings.ToLower(msg), "too many requests") {
		return &transport.RateLimitedError{RetryAfter: wait, Err: err}
	}
	return &transport.DeliveryError{Message: msg, Err: err}
}

func parseRetryAfter(s string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
