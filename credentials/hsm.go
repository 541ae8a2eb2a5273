package credentials

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/miekg/pkcs11"
)

// HSMSigner signs through a PKCS#11 token. The private key never leaves
// the device; the matching public key is supplied at construction since
// not every token exports EC points in a usable form.
type HSMSigner struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string
	public   *ecdsa.PublicKey

	p11  *pkcs11.Ctx
	sess pkcs11.SessionHandle
	key  pkcs11.ObjectHandle
}

func NewHSMSigner(libPath string, slotID uint, pin, keyLabel string, public *ecdsa.PublicKey) *HSMSigner {
	return &HSMSigner{libPath: libPath, slotID: slotID, pin: pin, keyLabel: keyLabel, public: public}
}

func (h *HSMSigner) Open() error {
	h.p11 = pkcs11.New(h.libPath)
	if h.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed: %s", h.libPath)
	}
	if err := h.p11.Initialize(); err != nil {
		return err
	}
	sess, err := h.p11.OpenSession(h.slotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		_ = h.p11.Finalize()
		return err
	}
	h.sess = sess
	if err := h.p11.Login(h.sess, pkcs11.CKU_USER, h.pin); err != nil {
		_ = h.p11.CloseSession(h.sess)
		_ = h.p11.Finalize()
		return err
	}
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, h.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
	}
	if err := h.p11.FindObjectsInit(h.sess, template); err != nil {
		return err
	}
	objs, _, err := h.p11.FindObjects(h.sess, 1)
	_ = h.p11.FindObjectsFinal(h.sess)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("signing key not found by label=%s", h.keyLabel)
	}
	h.key = objs[0]
	return nil
}

func (h *HSMSigner) Close() {
	if h.p11 != nil {
		if h.sess != 0 {
			_ = h.p11.Logout(h.sess)
			_ = h.p11.CloseSession(h.sess)
		}
		_ = h.p11.Finalize()
		h.p11.Destroy()
		h.p11 = nil
	}
}

func (h *HSMSigner) Public() *ecdsa.PublicKey {
	return h.public
}

// Sign performs CKM_ECDSA over the digest. PKCS#11 returns the raw
// r||s concatenation, which is exactly the wire encoding we need.
func (h *HSMSigner) Sign(digest []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := h.p11.SignInit(h.sess, mech, h.key); err != nil {
		return nil, err
	}
	sig, err := h.p11.Sign(h.sess, digest)
	if err != nil {
		return nil, err
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return sig, nil
}
