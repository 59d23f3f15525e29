package postgresql

const migrationComponent = "queue"

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE queues (
				"offset" BIGSERIAL PRIMARY KEY,
				type VARCHAR(64) NOT NULL,
				key VARCHAR(512) NOT NULL,
				consumer_group VARCHAR(255),
				value JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_queues_type_offset ON queues(type, "offset");
			CREATE INDEX idx_queues_type_key ON queues(type, key);

			CREATE TABLE queue_offsets (
				type VARCHAR(64) NOT NULL,
				consumer_group VARCHAR(255) NOT NULL DEFAULT '',
				"offset" BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (type, consumer_group)
			);
		`,
	}
}
