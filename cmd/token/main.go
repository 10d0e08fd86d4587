package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/weightgate/internal/config"
)

func main() {
	var secret string
	var sub string
	var iss string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", os.Getenv(config.HMACSecretEnv), "HS256 secret (defaults to $"+config.HMACSecretEnv+")")
	flag.StringVar(&sub, "sub", "operator", "subject claim")
	flag.StringVar(&iss, "iss", "weightgate", "issuer claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if secret == "" {
		fmt.Fprintln(os.Stderr, "token: -secret or $"+config.HMACSecretEnv+" is required")
		os.Exit(2)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": iss,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	fmt.Println(s)
}
