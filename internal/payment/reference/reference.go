// Package reference encodes the external reference attached to gateway
// checkouts so a notification can be traced back to a customer and service.
package reference

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	customerPattern = regexp.MustCompile(`cli-(\d+)-srv-`)
	servicePattern  = regexp.MustCompile(`srv-(\d+)-`)
)

// Encode builds a reference stamped with the current time.
func Encode(customerID, serviceID int64) string {
	return EncodeAt(customerID, serviceID, time.Now())
}

// EncodeAt builds cli-{customer}-srv-{service}-{unix millis}.
func EncodeAt(customerID, serviceID int64, at time.Time) string {
	return fmt.Sprintf("cli-%d-srv-%d-%d", customerID, serviceID, at.UnixMilli())
}

// DecodeCustomerID returns 0 when the reference carries no customer id.
func DecodeCustomerID(ref string) int64 {
	return firstGroup(customerPattern, ref)
}

// DecodeServiceID returns 0 when the reference carries no service id.
func DecodeServiceID(ref string) int64 {
	return firstGroup(servicePattern, ref)
}

func firstGroup(pattern *regexp.Regexp, ref string) int64 {
	match := pattern.FindStringSubmatch(ref)
	if len(match) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
