package verify

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/firefly/pixie-provisioner/attestation"
)

// Formatter formats attestation records and verification results for display
type Formatter struct{}

// NewFormatter creates a new formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatRecord formats the raw fields of a record
func (f *Formatter) FormatRecord(r *attestation.Record) string {
	var sb strings.Builder

	sb.WriteString("Attestation:\n")
	sb.WriteString(fmt.Sprintf("  Version: %d\n", r.Version))
	sb.WriteString(fmt.Sprintf("  Nonce: %s\n", hex.EncodeToString(r.Nonce[:])))
	sb.WriteString(fmt.Sprintf("  Nonce Rand: %s\n", hex.EncodeToString(r.NonceRand[:])))
	sb.WriteString(fmt.Sprintf("  Model: 0x%08x\n", r.ModelID()))
	sb.WriteString(fmt.Sprintf("  Serial: 0x%08x\n", r.SerialID()))
	sb.WriteString(fmt.Sprintf("  Pubkey N: %s\n", abbreviate(hex.EncodeToString(r.PubkeyModulus[:]))))
	sb.WriteString(fmt.Sprintf("  Attestation Sig: %s\n", hex.EncodeToString(r.AttestationSig[:])))
	sb.WriteString(fmt.Sprintf("  Challenge Sig: %s\n", abbreviate(hex.EncodeToString(r.ChallengeSig[:]))))

	return sb.String()
}

// FormatResult formats a verification result for display
func (f *Formatter) FormatResult(result *Result) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("✓ Authority: %s\n", result.Authority.Hex()))
	sb.WriteString(fmt.Sprintf("✓ Model: %s (0x%04x)\n", result.ModelName, result.Model))
	sb.WriteString(fmt.Sprintf("✓ Serial: %d\n", result.Serial))
	sb.WriteString(fmt.Sprintf("✓ Nonce: %s\n", result.NonceHex()))

	return sb.String()
}

// FormatResultJSON formats a verification result for JSON output
func (f *Formatter) FormatResultJSON(result *Result) map[string]interface{} {
	return map[string]interface{}{
		"valid":     true,
		"authority": result.Authority.Hex(),
		"model":     fmt.Sprintf("0x%04x", result.Model),
		"modelName": result.ModelName,
		"serial":    result.Serial,
		"nonce":     result.NonceHex(),
	}
}

// FormatFailureJSON formats a rejected attestation for JSON output
func (f *Formatter) FormatFailureJSON(err error) map[string]interface{} {
	return map[string]interface{}{
		"valid": false,
		"error": err.Error(),
	}
}

func abbreviate(s string) string {
	if len(s) <= 32 {
		return s
	}
	return s[:16] + "..." + s[len(s)-16:]
}
