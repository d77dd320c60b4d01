package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// inspection is the JSON report printed for a certificate.
type inspection struct {
	Subject     string    `json:"subject"`
	SPIFFEID    string    `json:"spiffe_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Expired     bool      `json:"expired"`
	Valid       bool      `json:"valid"`
	Reason      string    `json:"reason,omitempty"`
}

func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect <cert.pem>",
		Short: "Inspect and validate a workload certificate",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().String("bundle", "", "Path to a PEM trust bundle for chain validation")
	return inspectCmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	certPEM, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%s does not contain a PEM certificate", args[0])
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	var bundle []*x509.Certificate
	if bundlePath, _ := cmd.Flags().GetString("bundle"); bundlePath != "" {
		bundle, err = loadBundle(bundlePath)
		if err != nil {
			return err
		}
	}

	validator, err := svid.NewValidator(cfg.TrustDomain, cfg.Validation, nil, log, nil)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	result := validator.ValidateCertificate(context.Background(), certPEM, bundle)

	report := inspection{
		Subject:     cert.Subject.String(),
		SPIFFEID:    result.SPIFFEID,
		Fingerprint: svid.Fingerprint(cert.Raw),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		Expired:     time.Now().After(cert.NotAfter),
		Valid:       result.Valid,
		Reason:      result.Reason,
	}
	if report.SPIFFEID == "" {
		if id, err := svid.ExtractSPIFFEID(cert); err == nil {
			report.SPIFFEID = id.String()
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func loadBundle(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse bundle certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("bundle %s contains no certificates", path)
	}
	return certs, nil
}
