// Package app is the composition layer of ledgerd.
//
// # Architecture Role
//
// The app package wires the storage layer and the engines into a running
// application. It holds no business rules: those live in the engines under
// internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, lifecycle
//	├── auth/               # Principal in context, admin capability
//	├── domain/             # Pure data: ledger (wallets, stakes), market (assets, sales)
//	├── storage/            # Store interfaces, retry helper
//	│   ├── memory/         # In-memory store for tests and local runs
//	│   └── postgres/       # PostgreSQL store (sqlx + lib/pq)
//	├── services/
//	│   ├── ledger/         # Wallets, transfers, stakes, settlement, maturity sweep
//	│   ├── marketplace/    # Asset state machine and purchases
//	│   └── history/        # Append-only sale records
//	├── httpapi/            # gorilla/mux routes over the engines
//	├── metrics/            # Prometheus collectors
//	└── system/             # Service lifecycle manager
//
// # Dependency Direction
//
//	cmd/ledgerd/
//	      │
//	      ▼
//	internal/app/httpapi ──► internal/middleware
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services/marketplace ──► services/ledger, services/history
//	      │
//	      └──► storage ──► internal/platform/migrations (schema)
//
// A purchase is a single store transaction: the marketplace engine locks the
// asset, asks the ledger engine to settle inside the same transaction, then
// updates the asset and appends the sale record before commit.
package app
