//go:build softhsm

package terminal

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/miekg/pkcs11"
)

// openKeyStore loads the PKCS#11 token configured through HSM_LIB, HSM_SLOT
// and HSM_PIN.
func openKeyStore() (KeyStore, func(), error) {
	lib := os.Getenv("HSM_LIB")
	if lib == "" {
		return nil, nil, fmt.Errorf("HSM_LIB is required for the softhsm build")
	}
	slot, err := strconv.ParseUint(os.Getenv("HSM_SLOT"), 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing HSM_SLOT: %w", err)
	}

	store := NewSoftHSMKeyStore(lib, uint(slot), os.Getenv("HSM_PIN"))
	if err := store.Open(); err != nil {
		return nil, nil, fmt.Errorf("opening pkcs11 token: %w", err)
	}
	return store, store.Close, nil
}

// SoftHSMKeyStore persists rotated PIN keys into a PKCS#11 token. Enabled via
// the softhsm build tag so the default build does not depend on a token
// library being present.
type SoftHSMKeyStore struct {
	libPath string
	slotID  uint
	pin     string

	mu       sync.Mutex
	activeID string
	p11      *pkcs11.Ctx
	sess     pkcs11.SessionHandle
}

func NewSoftHSMKeyStore(libPath string, slotID uint, pin string) *SoftHSMKeyStore {
	return &SoftHSMKeyStore{libPath: libPath, slotID: slotID, pin: pin}
}

func (s *SoftHSMKeyStore) Open() error {
	s.p11 = pkcs11.New(s.libPath)
	if s.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed")
	}
	if err := s.p11.Initialize(); err != nil {
		return err
	}
	sess, err := s.p11.OpenSession(pkcs11.SlotID(s.slotID), pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = s.p11.Finalize()
		return err
	}
	s.sess = sess
	if err := s.p11.Login(s.sess, pkcs11.CKU_USER, s.pin); err != nil {
		_ = s.p11.CloseSession(s.sess)
		_ = s.p11.Finalize()
		return err
	}
	return nil
}

func (s *SoftHSMKeyStore) Close() {
	if s.p11 != nil {
		if s.sess != 0 {
			_ = s.p11.Logout(s.sess)
			_ = s.p11.CloseSession(s.sess)
		}
		_ = s.p11.Finalize()
		s.p11.Destroy()
		s.p11 = nil
	}
}

func (s *SoftHSMKeyStore) ActivePinKeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// StorePinKey replaces any key object carrying the same label with the new
// material.
func (s *SoftHSMKeyStore) StorePinKey(id string, material []byte, kcv string) error {
	if id == "" {
		return fmt.Errorf("key id is required")
	}
	if len(material) == 0 {
		return fmt.Errorf("key material is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.destroyByLabel(id); err != nil {
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_DES3),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, id),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, material),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
	}
	if _, err := s.p11.CreateObject(s.sess, template); err != nil {
		return fmt.Errorf("creating key object: %w", err)
	}
	s.activeID = id
	return nil
}

func (s *SoftHSMKeyStore) destroyByLabel(label string) error {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
	}
	if err := s.p11.FindObjectsInit(s.sess, template); err != nil {
		return err
	}
	objs, _, err := s.p11.FindObjects(s.sess, 10)
	_ = s.p11.FindObjectsFinal(s.sess)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if err := s.p11.DestroyObject(s.sess, obj); err != nil {
			return err
		}
	}
	return nil
}

var _ KeyStore = (*SoftHSMKeyStore)(nil)
