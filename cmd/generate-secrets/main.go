package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/utils"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/pkg/jwt"
)

func main() {
	var (
		adminSecret string
		adminEmail  string
		adminTTL    time.Duration
	)
	flag.StringVar(&adminSecret, "admin-token-secret", "", "JWT_SECRET to sign an operator token with (skips secret generation)")
	flag.StringVar(&adminEmail, "admin-email", "ops@busticket.local", "email carried by the operator token")
	flag.DurationVar(&adminTTL, "admin-ttl", 24*time.Hour, "lifetime of the operator token")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("Secret Generator for Bus Ticket Booking")
	fmt.Println("===========================================")
	fmt.Println()

	if adminSecret != "" {
		mintAdminToken(adminSecret, adminEmail, adminTTL)
		return
	}

	secrets, err := utils.GenerateDeploymentSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", secrets.JWTSecret)
	fmt.Printf("PAYOS_CHECKSUM_KEY=%s   # sandbox only, production keys come from PayOS\n", secrets.PaymentChecksumKey)
	fmt.Println()
	fmt.Println("IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}

// mintAdminToken prints a token that passes the admin routes
func mintAdminToken(secret, email string, ttl time.Duration) {
	svc := jwt.NewService(secret, ttl)
	token, err := svc.GenerateAccessToken(uuid.New(), strings.TrimSpace(email), []string{"admin"})
	if err != nil {
		log.Fatalf("Failed to mint admin token: %v", err)
	}

	fmt.Printf("Operator token for %s (valid %s):\n\n", email, ttl)
	fmt.Printf("Authorization: Bearer %s\n", token)
	fmt.Println("===========================================")
}
