package queue

import "github.com/redis/go-redis/v9"

// advanceFn writes a status record unless it would move the lifecycle backwards.
// Equal non-terminal ranks are accepted so a redelivered task can be marked processing again.
const advanceFn = `
local ranks = {queued=1, processing=2, completed=3, failed=3}
local function advance(key, payload, status, ttl)
  local cur = redis.call('GET', key)
  if cur then
    local ok, decoded = pcall(cjson.decode, cur)
    if ok and type(decoded) == 'table' then
      local curRank = ranks[decoded['status']] or 0
      local newRank = ranks[status] or 0
      if curRank == 3 or newRank < curRank then
        return 0
      end
    end
  end
  redis.call('SET', key, payload, 'EX', ttl)
  return 1
end
`

// ackFn removes the processing-list entry belonging to a task id.
const ackFn = `
local function ack(key, taskID)
  local items = redis.call('LRANGE', key, 0, -1)
  for _, item in ipairs(items) do
    local ok, decoded = pcall(cjson.decode, item)
    if ok and type(decoded) == 'table' and decoded['task_id'] == taskID then
      redis.call('LREM', key, 1, item)
      return 1
    end
  end
  return 0
end
`

// KEYS: pending tiers in priority order, then processing
// ARGV: status key prefix, started_at, ttl seconds
// Pops the first tier with work. Returns {entry, 1} after moving the entry to processing
// and marking it processing, {entry, 0} when the task already holds a terminal status
// and the entry was dropped, and nil when every tier is empty. Undecodable entries are
// still moved so the caller can discard them.
var claimScript = redis.NewScript(advanceFn + `
local processing = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local item = redis.call('LPOP', KEYS[i])
  if item then
    local ok, task = pcall(cjson.decode, item)
    if ok and type(task) == 'table' and type(task['task_id']) == 'string' then
      local status = {status='processing', started_at=ARGV[2]}
      if type(task['created_at']) == 'string' then
        status['created_at'] = task['created_at']
      end
      if advance(ARGV[1] .. task['task_id'], cjson.encode(status), 'processing', tonumber(ARGV[3])) == 0 then
        return {item, 0}
      end
    end
    redis.call('RPUSH', processing, item)
    return {item, 1}
  end
end
return nil
`)

// KEYS: processing, high tier, normal tier
// Moves every processing entry back to the head of its own tier, oldest first.
var requeueScript = redis.NewScript(`
local n = 0
while true do
  local item = redis.call('RPOP', KEYS[1])
  if not item then
    return n
  end
  local dest = KEYS[3]
  local ok, task = pcall(cjson.decode, item)
  if ok and type(task) == 'table' and task['priority'] == 'high' then
    dest = KEYS[2]
  end
  redis.call('LPUSH', dest, item)
  n = n + 1
end
`)

// KEYS: processing
// ARGV: task id
var ackScript = redis.NewScript(ackFn + `
return ack(KEYS[1], ARGV[1])
`)

// KEYS: result, status, processing, daily counter, total counter, failed counter
// ARGV: result payload, status payload, status, ttl seconds, daily ttl seconds, task id
// Returns 1 when the result was written, 0 when one already existed.
var finishScript = redis.NewScript(advanceFn + ackFn + `
local ttl = tonumber(ARGV[4])
local written = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ttl)
ack(KEYS[3], ARGV[6])
if not written then
  return 0
end
advance(KEYS[2], ARGV[2], ARGV[3], ttl)
redis.call('INCR', KEYS[4])
redis.call('EXPIRE', KEYS[4], tonumber(ARGV[5]))
redis.call('INCR', KEYS[5])
if ARGV[3] == 'failed' then
  redis.call('INCR', KEYS[6])
end
return 1
`)
