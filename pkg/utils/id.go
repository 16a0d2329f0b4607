package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RandomSuffix returns n random bytes hex-encoded.
func RandomSuffix(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func GenerateRoomID() string {
	return uuid.NewString()
}

func GenerateUserID() string {
	return uuid.NewString()
}

// GenerateParticipantID derives a session-scoped participant id from a
// user id so the same user in two tabs gets two participants.
func GenerateParticipantID(userID string) string {
	return fmt.Sprintf("%s.%s", userID, RandomSuffix(3))
}

// SignalKey builds the map key for one signaling message:
// sender, send time in unix milliseconds, random suffix.
func SignalKey(from string, at time.Time) string {
	return fmt.Sprintf("%s|%d|%s", from, at.UnixMilli(), RandomSuffix(4))
}

// SignalKeyTime extracts the send time from a key built by SignalKey.
func SignalKeyTime(key string) (time.Time, bool) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
