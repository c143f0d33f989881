package features

import "github.com/opensource-finance/fraudproof/internal/domain"

// Vehicle encodes vehicle insurance claims.
func Vehicle() Transformer {
	return &transformer{
		domain:  domain.DomainVehicle,
		missing: 0,
		categories: map[string]map[string]float64{
			"sex":              {"female": 0, "male": 1},
			"marital_status":   {"single": 0, "married": 1, "divorced": 2, "widow": 3},
			"fault":            {"third_party": 0, "policy_holder": 1},
			"accident_area":    {"rural": 0, "urban": 1},
			"accidentarea":     {"rural": 0, "urban": 1},
			"vehicle_category": {"sedan": 0, "sport": 1, "utility": 2},
			"vehiclecategory":  {"sedan": 0, "sport": 1, "utility": 2},
			"base_policy":      {"liability": 0, "collision": 1, "all_perils": 2},
			"basepolicy":       {"liability": 0, "collision": 1, "all_perils": 2},
		},
	}
}

// Bank encodes bank account applications. Missing values use -1, the
// sentinel that dataset already uses for unknown numeric fields.
func Bank() Transformer {
	return &transformer{
		domain:  domain.DomainBank,
		missing: -1,
		categories: map[string]map[string]float64{
			"payment_type":      {"aa": 0, "ab": 1, "ac": 2, "ad": 3, "ae": 4},
			"employment_status": {"ca": 0, "cb": 1, "cc": 2, "cd": 3, "ce": 4, "cf": 5, "cg": 6},
			"housing_status":    {"ba": 0, "bb": 1, "bc": 2, "bd": 3, "be": 4, "bf": 5, "bg": 6},
			"source":            {"internet": 0, "teleapp": 1},
			"device_os":         {"windows": 0, "linux": 1, "macintosh": 2, "x11": 3, "other": 4},
		},
	}
}

// Ecommerce encodes online purchases.
func Ecommerce() Transformer {
	device := map[string]float64{"mobile": 0, "desktop": 1, "tablet": 2}
	return &transformer{
		domain:  domain.DomainEcommerce,
		missing: 0,
		categories: map[string]map[string]float64{
			"device_type": device,
			"device_used": device,
			"payment_method": {
				"credit_card": 0, "debit_card": 1, "paypal": 2, "bank_transfer": 3,
			},
			"product_category": {
				"electronics": 0, "clothing": 1, "home_&_garden": 2,
				"toys_&_games": 3, "health_&_beauty": 4,
			},
		},
	}
}

// Ethereum encodes on-chain transfers.
func Ethereum() Transformer {
	return &transformer{
		domain:  domain.DomainEthereum,
		missing: 0,
	}
}
