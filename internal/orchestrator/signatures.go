package orchestrator

import (
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/signature"
)

func signatureOf(logs string) string { return signature.Extract(logs) }

func fixHashOf(changes []failure.FileChange) string { return signature.FixHash(changes) }
