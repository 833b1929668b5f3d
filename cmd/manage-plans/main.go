package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// Seeds the billing_plans table with the free/starter/pro tiers. Safe to run
// repeatedly.
func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM public.billing_plans").Scan(&count); err != nil {
		log.Fatal(err)
	}
	log.Printf("Found %d plans in database", count)

	if count == 0 {
		log.Println("Inserting default plans...")

		plans := []struct {
			id, name, desc   string
			price            int
			features, limits string
		}{
			{
				id:       "free",
				name:     "Free",
				desc:     "Perfect for getting started",
				price:    0,
				features: `{"features": ["3 social accounts", "10 posts/month", "3 assistant credits/week", "Email support"]}`,
				limits:   `{"social_accounts": 3, "posts_per_month": 10, "assistant_credits": "3/week", "team_approvals": false}`,
			},
			{
				id:       "starter",
				name:     "Starter",
				desc:     "For solo marketers posting daily",
				price:    1900,
				features: `{"features": ["5 social accounts", "100 posts/month", "5 assistant credits/day", "Team approvals", "Priority support"]}`,
				limits:   `{"social_accounts": 5, "posts_per_month": 100, "assistant_credits": "5/day", "team_approvals": true}`,
			},
			{
				id:       "pro",
				name:     "Pro",
				desc:     "For teams running full campaigns",
				price:    4900,
				features: `{"features": ["Unlimited social accounts", "Unlimited posts", "Unlimited assistant credits", "Team approvals", "Dedicated support"]}`,
				limits:   `{"social_accounts": -1, "posts_per_month": -1, "assistant_credits": "unlimited", "team_approvals": true}`,
			},
		}

		for _, plan := range plans {
			_, err = db.Exec(`
				INSERT INTO public.billing_plans (id, name, description, price_cents, currency, interval, features, limits)
				VALUES ($1, $2, $3, $4, 'usd', 'month', $5::jsonb, $6::jsonb)
				ON CONFLICT (id) DO NOTHING
			`, plan.id, plan.name, plan.desc, plan.price, plan.features, plan.limits)
			if err != nil {
				log.Printf("Error inserting %s plan: %v", plan.id, err)
			} else {
				log.Printf("Inserted %s plan", plan.id)
			}
		}

		log.Println("Default plans inserted successfully!")
	} else {
		log.Println("Plans already exist, skipping insertion")
	}

	rows, err := db.Query("SELECT id, name, price_cents FROM public.billing_plans ORDER BY price_cents")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	log.Println("Current plans:")
	for rows.Next() {
		var id, name string
		var price int
		if err := rows.Scan(&id, &name, &price); err != nil {
			log.Fatal(err)
		}
		log.Printf("- %s: %s ($%d/month)", id, name, price/100)
	}
}
