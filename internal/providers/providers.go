// Package providers holds helpers shared by the e-mail Provider
// implementations in its sub-packages.
package providers

import (
	"errors"
	"regexp"
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

const maxAddressLen = 254

// ValidateEmail "validates" an e-mail address.
func ValidateEmail(to string) error {
	if len(to) > maxAddressLen || !reMail.MatchString(to) {
		return errors.New("invalid e-mail address")
	}
	return nil
}
