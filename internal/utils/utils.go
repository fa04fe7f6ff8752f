package utils

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/beevik/ntp"

	"safety-guardian/internal/models"
)

// ParseInt safely parses a string to an integer with default 0
func ParseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

// ParseFloat safely parses a string to a float with default 0
func ParseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ParseBool interprets the platform services' "true"/"false" hash values
func ParseBool(s string) bool {
	return s == "true"
}

// IsTLSURL checks if a URL uses TLS
func IsTLSURL(url string) bool {
	return strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "tls://")
}

// SyncTimeNTP attempts to sync the system time using NTP. Snapshot
// timestamps and the escalation cooldown both depend on wall time, so a
// badly skewed clock is worth one correction attempt at startup.
func SyncTimeNTP(config *models.NTPConfig) error {
	if config != nil && config.Enabled == false {
		log.Println("NTP time synchronization is disabled in configuration")
		return nil
	}

	server := "pool.ntp.org"
	if config != nil && config.Server != "" {
		server = config.Server
	}

	ntpTime, err := ntp.Time(server)
	if err != nil {
		return fmt.Errorf("failed to get time from %s: %v", server, err)
	}

	tv := syscall.NsecToTimeval(ntpTime.UnixNano())

	// Setting system time requires root; a valid NTP response alone is
	// still a useful clock sanity signal
	if err := syscall.Settimeofday(&tv); err != nil {
		log.Printf("Warning: failed to set system time: %v", err)
		return nil
	}

	log.Printf("Successfully synchronized time with %s", server)
	return nil
}

// Backoff calculates the retry delay for the given attempt count:
// exponential from the base interval with ±20% jitter, capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	jitter := (rand.Float64()*0.4 - 0.2) * backoff
	backoff += jitter
	if d := time.Duration(backoff); d < max {
		return d
	}
	return max
}

// CreateTLSConfig builds a TLS config with an optional CA certificate file
func CreateTLSConfig(caCertPath string) (*tls.Config, error) {
	tlsConfig := new(tls.Config)

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %v", err)
		}

		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
