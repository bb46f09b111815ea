// Package harness runs multi-terminal sync scenarios against an in-process
// reference server.
//
// Each terminal gets its own database, a deterministic id generator and
// clock, and a link to the server that a scenario can take down and bring
// back. Steps run the real action handlers and the real sync engine, so a
// scenario exercises the same code a till does.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: last_unit_sold_twice
//	description: "Two tills sell the last unit while offline"
//	terminals: [till-1, till-2]
//	setup:
//	  stock: { sku-1: 1 }
//	steps:
//	  - terminal: till-1
//	    action: sale
//	    lines:
//	      - { product: sku-1, quantity: 1, price: 300 }
//	  - terminal: till-1
//	    action: sync
//	    expect: { acknowledged: 2 }
//	assertions:
//	  - type: server_stock
//	    product: sku-1
//	    expect: 0
//
// # Actions
//
//   - sync: run one cycle; expect is a subset of the cycle report
//   - sale, void, adjust, start_session, end_session, customer: action handlers
//   - offline, online: cut or restore the terminal's link to the server
//   - restart: close the terminal and reopen it from its database
//   - rebuild: rebuild the local store from the log
//
// A step that should fail names the error class in error (transport_failure,
// sale_immutable, not_found, invalid_payload, scope_mismatch).
//
// # Assertion Types
//
//   - server_stock, server_sales, server_annotations: reference server state
//   - local_stock, sale, customer: a terminal's local store
//   - pending, dead: a terminal's operation log
//
// # Deterministic Traces
//
// Ids come from testutil.SequentialIDs prefixed with the terminal name
// ("till-1-0001"), and follow-up ids are derived from them, so a scenario
// produces the same trace on every run. The trace records every step, its
// error class, the cycle report of sync steps and the events the step
// published. RunWithGolden compares it with testdata/golden/<name>.golden.
package harness
