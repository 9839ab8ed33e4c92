package main

import "github.com/kcenon/ad-sdlc/internal/errs"

// exitCodeFor maps a PipelineError's Kind to §6's CLI exit-code table.
// Everything not explicitly called out there (including a non-pipeline
// error) is the generic failure code.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindSchemaValidation:
		return 2
	case errs.KindSecurityDenied:
		return 3
	case errs.KindDeadlockOrBlocked:
		return 4
	case errs.KindTimeout, errs.KindBridgeTimeout:
		return 5
	default:
		return 1
	}
}
