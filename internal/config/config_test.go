package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSignedKeyPair generates a throwaway self-signed certificate for
// exercising the replication.* tls_cert_file/tls_key_file config path
// without a real CA.
func writeSelfSignedKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "synap-config-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certFile = filepath.Join(dir, "replication.crt")
	keyFile = filepath.Join(dir, "replication.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestValidate_RejectsBadFsyncMode(t *testing.T) {
	cfg := Default()
	cfg.Persistence.WAL.FsyncMode = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid fsync_mode")
	}
}

func TestValidate_RejectsBadEvictionPolicy(t *testing.T) {
	cfg := Default()
	cfg.KVStore.EvictionPolicy = "random"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid eviction_policy")
	}
}

func TestValidate_RequiresDataDirWhenPersistenceEnabled(t *testing.T) {
	cfg := Default()
	cfg.Persistence.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing persistence.data_dir")
	}
}

func TestValidate_ReplicaRequiresMasterAddress(t *testing.T) {
	cfg := Default()
	cfg.Replication.Enabled = true
	cfg.Replication.Role = RoleReplica
	cfg.Replication.MasterAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for replica role without master_address")
	}
}

func TestValidate_MasterRequiresListenAddress(t *testing.T) {
	cfg := Default()
	cfg.Replication.Enabled = true
	cfg.Replication.Role = RoleMaster
	cfg.Replication.ReplicaListenAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for master role without replica_listen_address")
	}
}

func TestStorageConfig_AppliesOverrides(t *testing.T) {
	cfg := Default()
	cfg.Persistence.DataDir = "/tmp/synap-data"
	cfg.KVStore.MaxMemoryMB = 512
	cfg.KVStore.ShardUpgradeThreshold = 42

	sc := cfg.StorageConfig()
	if sc.DataDir != "/tmp/synap-data" {
		t.Errorf("DataDir = %q, want /tmp/synap-data", sc.DataDir)
	}
	if sc.KV.MaxMemoryBytes != 512*1024*1024 {
		t.Errorf("MaxMemoryBytes = %d, want %d", sc.KV.MaxMemoryBytes, 512*1024*1024)
	}
	if sc.KV.UpgradeThreshold != 42 {
		t.Errorf("UpgradeThreshold = %d, want 42", sc.KV.UpgradeThreshold)
	}
}

func TestQueueConfig_ConvertsSecondsToMillis(t *testing.T) {
	cfg := Default()
	cfg.QueueDefault.AckDeadlineSecs = 10
	qc := cfg.QueueConfig()
	if qc.AckDeadlineMs != 10_000 {
		t.Errorf("AckDeadlineMs = %d, want 10000", qc.AckDeadlineMs)
	}
}

func TestMasterConfig_UsesListenAddress(t *testing.T) {
	cfg := Default()
	cfg.Replication.ReplicaListenAddress = "0.0.0.0:9443"
	mc := cfg.MasterConfig()
	if mc.ListenAddress != "0.0.0.0:9443" {
		t.Errorf("ListenAddress = %q, want 0.0.0.0:9443", mc.ListenAddress)
	}
}

func TestValidate_RejectsBadTLSCertFile(t *testing.T) {
	cfg := Default()
	cfg.Replication.TLSCertFile = "/nonexistent/replication.crt"
	cfg.Replication.TLSKeyFile = "/nonexistent/replication.key"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing tls_cert_file")
	}
}

func TestMasterAndReplicaConfig_PopulateTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedKeyPair(t, dir)

	cfg := Default()
	cfg.Replication.TLSCertFile = certFile
	cfg.Replication.TLSKeyFile = keyFile
	cfg.Replication.TLSCAFile = certFile
	cfg.Replication.ReplicaListenAddress = "0.0.0.0:9443"
	cfg.Replication.MasterAddress = "10.0.0.1:9443"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with valid TLS files: %v", err)
	}

	mc := cfg.MasterConfig()
	if mc.TLSConfig == nil {
		t.Error("MasterConfig().TLSConfig = nil, want populated config")
	}

	rc := cfg.ReplicaConfig(t.TempDir())
	if rc.TLSConfig == nil {
		t.Error("ReplicaConfig().TLSConfig = nil, want populated config")
	}
}

func TestReplicaConfig_UsesMasterAddressAndNodeID(t *testing.T) {
	cfg := Default()
	cfg.Replication.MasterAddress = "10.0.0.1:9443"
	cfg.NodeID = "node-1"
	rc := cfg.ReplicaConfig("/tmp/staging")
	if rc.MasterAddress != "10.0.0.1:9443" {
		t.Errorf("MasterAddress = %q, want 10.0.0.1:9443", rc.MasterAddress)
	}
	if rc.ReplicaID != "node-1" {
		t.Errorf("ReplicaID = %q, want node-1", rc.ReplicaID)
	}
}
