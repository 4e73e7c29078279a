package blockcid

import "errors"

// ErrDigestMismatch is returned by Verify when data does not hash to the
// CID's recorded digest.
var ErrDigestMismatch = errors.New("blockcid: digest does not match cid")
