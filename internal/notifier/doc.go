// Package notifier delivers defect notifications to the people a defect is
// assigned to.
//
// Dispatch is fire-and-forget: request handlers call it synchronously and it
// returns at once. Delivery runs on the app supervisor when one is running,
// otherwise on a short-lived supervisor of its own (see supervisor.Executor).
// Recipients are resolved by name through a Directory and messaged in
// parallel; one failed delivery never affects the others, and no error ever
// reaches the caller.
//
// # History
//
// The dispatcher keeps a small in-memory history of recent batches for the
// admin API, and publishes each batch on the event bus as "notify.batch".
package notifier
