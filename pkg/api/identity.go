package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var requestIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewRequestID generates the unique ID assigned to one invocation attempt.
// The ID is GUID-shaped to match what cloud SDKs and log parsers expect.
func NewRequestID() string {
	return uuid.NewString()
}

// ValidateRequestID checks whether the given string is GUID-shaped.
func ValidateRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// FunctionARN builds the pseudo-ARN advertised to the worker. Region and
// account are local placeholders unless the environment provides real ones.
func FunctionARN(region, accountID, functionName string) string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", region, accountID, functionName)
}

// NewTraceID generates a sampling-disabled trace header for invocations
// that did not arrive with one.
func NewTraceID() string {
	return fmt.Sprintf("Root=1-%08x-%s;Parent=%s;Sampled=0",
		time.Now().Unix(), randomHex(12), randomHex(8))
}

// randomHex returns 2n cryptographically random hex characters.
func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
