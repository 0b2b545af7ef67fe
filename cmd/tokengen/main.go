// tokengen mints a bearer token for a sensor gateway or operator, signed
// with the private key produced by keygen.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stratosight/geotak/internal/tokens"
)

func main() {
	keyPath := flag.String("key", "bearer.key", "RSA private key path")
	subject := flag.String("sub", "", "token subject (required)")
	scopes := flag.String("scopes", "detections:write", "space-separated scopes")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		log.Fatal("-sub is required")
	}

	data, err := os.ReadFile(*keyPath)
	if err != nil {
		log.Fatalf("read %s: %v", *keyPath, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		log.Fatalf("%s is not PEM", *keyPath)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		log.Fatalf("parse private key: %v", err)
	}

	token, err := tokens.NewSigner(priv).Sign(*subject, *scopes, *ttl)
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	fmt.Println(token)
}
