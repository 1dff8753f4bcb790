package transfer

import (
	"fmt"
	"strings"

	"github.com/opd-ai/mztransport/rendezvous"
	"github.com/opd-ai/mztransport/sink"
)

// FormatShare builds the URL a requester needs to fetch path:
// scheme://token/secret/path.
func FormatShare(scheme string, token rendezvous.Token, secret, path string) string {
	return scheme + "://" + token.String() + "/" + secret + "/" + path
}

// ParseShare splits a share URL into the serving endpoint's token, the
// secret and the requested path. Segments after the secret are joined
// back with "/".
func ParseShare(url string) (rendezvous.Token, string, string, error) {
	segments := strings.Split(url, "/")
	if len(segments) < 5 || !strings.HasSuffix(segments[0], ":") || segments[1] != "" {
		return rendezvous.Token{}, "", "", newError(KindConnect, "parse share",
			fmt.Errorf("malformed share url %q", url))
	}

	token, err := rendezvous.ParseToken(segments[2])
	if err != nil {
		return rendezvous.Token{}, "", "", newError(KindConnect, "parse share", err)
	}
	secret := segments[3]

	path, err := sink.ValidatePath(strings.Join(segments[4:], "/"))
	if err != nil {
		return rendezvous.Token{}, "", "", newError(KindInvalidFilePath, "parse share", err)
	}
	return token, secret, path, nil
}
