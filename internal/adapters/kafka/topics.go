package kafka

// TopicCostRecords carries one event per durably written cost record
const TopicCostRecords = "ai.cost_records"
