package postgres

const alertColumns = `a.id, a.user_id, a.symbol, a.target_price, a.direction, a.status,
    a.created_at, a.updated_at, a.triggered_at, a.triggered_price, a.notified_at`

const queryListActive = `
SELECT ` + alertColumns + `, u.email
FROM alerts a
JOIN users u ON u.id = a.user_id
WHERE a.status = 'active'
ORDER BY a.symbol, a.id
`

const queryUpdateStatus = `
UPDATE alerts
SET status = $1, updated_at = $2, triggered_at = $3, triggered_price = $4
WHERE id = $5
  AND status = $6
`

const queryGetAlertStatus = `
SELECT status FROM alerts WHERE id = $1
`

const queryInsertAlert = `
INSERT INTO alerts (user_id, symbol, target_price, direction, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`

const queryGetAlert = `
SELECT ` + alertColumns + `
FROM alerts a
WHERE a.id = $1
`

const queryListAlertsByUser = `
SELECT ` + alertColumns + `
FROM alerts a
WHERE a.user_id = $1
ORDER BY a.created_at DESC, a.id DESC
`

const queryInsertUser = `
INSERT INTO users (email, name, created_at)
VALUES ($1, $2, $3)
RETURNING id
`

const queryGetUser = `
SELECT id, email, name, created_at FROM users WHERE id = $1
`

const queryUserExists = `
SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)
`

const queryMarkNotified = `
UPDATE alerts
SET notified_at = $1
WHERE id = $2
  AND status = 'triggered'
  AND notified_at IS NULL
`

const queryListUnnotified = `
SELECT ` + alertColumns + `, u.email
FROM alerts a
JOIN users u ON u.id = a.user_id
WHERE a.status = 'triggered'
  AND a.notified_at IS NULL
  AND a.triggered_at < $1
ORDER BY a.triggered_at ASC
LIMIT $2
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, event_id, alert_id, attempt, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
