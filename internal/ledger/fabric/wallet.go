package fabric

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/tanodlink/crimeledger/internal/ledger"
)

// WalletIdentity is an X.509 identity stored in a file-system wallet as
// <wallet dir>/<label>.id.
type WalletIdentity struct {
	Label       string
	MSPID       string
	Certificate string
	PrivateKey  string
}

type walletFile struct {
	Credentials struct {
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"privateKey"`
	} `json:"credentials"`
	MSPID   string `json:"mspId"`
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// LoadWalletIdentity reads the identity called label from the wallet at dir.
func LoadWalletIdentity(dir, label string) (*WalletIdentity, error) {
	path := filepath.Join(dir, label+".id")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("identity %q not found in wallet %s: %w", label, dir, ledger.ErrIdentityInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet identity: %w", err)
	}

	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse wallet identity %s: %w", path, err)
	}
	if wf.Type != "" && wf.Type != "X.509" {
		return nil, fmt.Errorf("identity %q has unsupported type %q: %w", label, wf.Type, ledger.ErrIdentityInvalid)
	}
	if wf.MSPID == "" || wf.Credentials.Certificate == "" || wf.Credentials.PrivateKey == "" {
		return nil, fmt.Errorf("identity %q is incomplete: %w", label, ledger.ErrIdentityInvalid)
	}

	return &WalletIdentity{
		Label:       label,
		MSPID:       wf.MSPID,
		Certificate: wf.Credentials.Certificate,
		PrivateKey:  wf.Credentials.PrivateKey,
	}, nil
}

// Signer builds the gateway identity and signing function.
func (w *WalletIdentity) Signer() (*identity.X509Identity, identity.Sign, error) {
	cert, err := identity.CertificateFromPEM([]byte(w.Certificate))
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate of %q: %v: %w", w.Label, err, ledger.ErrIdentityInvalid)
	}
	id, err := identity.NewX509Identity(w.MSPID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("build identity %q: %v: %w", w.Label, err, ledger.ErrIdentityInvalid)
	}

	key, err := identity.PrivateKeyFromPEM([]byte(w.PrivateKey))
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key of %q: %v: %w", w.Label, err, ledger.ErrIdentityInvalid)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("build signer for %q: %v: %w", w.Label, err, ledger.ErrIdentityInvalid)
	}
	return id, sign, nil
}
