package withdraw

import (
	"fmt"

	"github.com/lnleague/lnleague/lnurl"
)

// lnurlEncodeRequest encodes the wallet-facing withdraw-request URL for a
// given secret. Secrets get their own ?k1= parameter namespace; a login k1
// never decodes into a withdraw URL and vice versa.
func lnurlEncodeRequest(requestURL, k1 string) (string, error) {
	return lnurl.Encode(fmt.Sprintf("%s?k1=%s", requestURL, k1))
}
