// keygen provisions service credentials. The default mode writes a fresh RSA
// keypair for bearer token signing: the private key for the token issuer, the
// public key for BEARER_PUBLIC_KEY. With -apikey it mints a random API key and
// prints the store entry to append to the key store file.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
)

func main() {
	apiKey := flag.Bool("apikey", false, "mint an API key instead of an RSA keypair")
	subject := flag.String("sub", "", "API key subject (required with -apikey)")
	scopes := flag.String("scopes", "detections:write", "comma-separated API key scopes")
	privPath := flag.String("priv", "bearer.key", "private key output path")
	pubPath := flag.String("pub", "bearer.pub", "public key output path")
	bits := flag.Int("bits", 2048, "RSA key size")
	flag.Parse()

	if *apiKey {
		mintAPIKey(*subject, *scopes)
		return
	}
	writeKeypair(*privPath, *pubPath, *bits)
}

func mintAPIKey(subject, scopes string) {
	if subject == "" {
		log.Fatal("-sub is required with -apikey")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		log.Fatalf("random: %v", err)
	}
	key := "gtk_" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(key))

	entry, err := json.MarshalIndent(map[string]any{
		"hash":    hex.EncodeToString(sum[:]),
		"subject": subject,
		"scopes":  strings.Split(scopes, ","),
	}, "", "  ")
	if err != nil {
		log.Fatalf("marshal entry: %v", err)
	}

	fmt.Printf("API key (give to the caller, not stored): %s\n", key)
	fmt.Printf("Store entry (append to the key store array):\n%s\n", entry)
}

func writeKeypair(privPath, pubPath string, bits int) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		log.Fatalf("write %s: %v", privPath, err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		log.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		log.Fatalf("write %s: %v", pubPath, err)
	}

	log.Printf("wrote %s and %s", privPath, pubPath)
}
