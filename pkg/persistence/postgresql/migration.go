package postgresql

const migrationComponent = "persistence"

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				uid VARCHAR(512) NOT NULL,
				revision INTEGER NOT NULL,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				namespace VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				value JSONB NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (uid, revision)
			);

			CREATE INDEX idx_flows_deleted ON flows(deleted);

			CREATE TABLE executions (
				id VARCHAR(64) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				namespace VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				parent_execution_id VARCHAR(64),
				state VARCHAR(32) NOT NULL,
				value JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_executions_parent ON executions(parent_execution_id);
			CREATE INDEX idx_executions_flow ON executions(namespace, flow_id);

			CREATE TABLE executor_states (
				execution_id VARCHAR(64) PRIMARY KEY,
				value JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE execution_delays (
				uid VARCHAR(512) PRIMARY KEY,
				execution_id VARCHAR(64) NOT NULL,
				date TIMESTAMP WITH TIME ZONE NOT NULL,
				value JSONB NOT NULL
			);

			CREATE INDEX idx_execution_delays_date ON execution_delays(date);
			CREATE INDEX idx_execution_delays_execution ON execution_delays(execution_id);

			CREATE TABLE sla_monitors (
				execution_id VARCHAR(64) NOT NULL,
				sla_id VARCHAR(255) NOT NULL,
				deadline TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, sla_id)
			);

			CREATE INDEX idx_sla_monitors_deadline ON sla_monitors(deadline);

			CREATE TABLE concurrency_limits (
				flow_uid VARCHAR(512) PRIMARY KEY
			);

			CREATE TABLE execution_running (
				execution_id VARCHAR(64) PRIMARY KEY,
				flow_uid VARCHAR(512) NOT NULL,
				value JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_execution_running_flow ON execution_running(flow_uid);

			CREATE TABLE execution_queued (
				execution_id VARCHAR(64) PRIMARY KEY,
				flow_uid VARCHAR(512) NOT NULL,
				date TIMESTAMP WITH TIME ZONE NOT NULL,
				value JSONB NOT NULL
			);

			CREATE INDEX idx_execution_queued_flow_date ON execution_queued(flow_uid, date);

			CREATE TABLE triggers (
				uid VARCHAR(768) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				namespace VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				trigger_id VARCHAR(255) NOT NULL,
				next_execution_date TIMESTAMP WITH TIME ZONE,
				backfill BOOLEAN NOT NULL DEFAULT FALSE,
				disabled BOOLEAN NOT NULL DEFAULT FALSE,
				value JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_triggers_next_execution_date ON triggers(next_execution_date);

			CREATE TABLE logs (
				id BIGSERIAL PRIMARY KEY,
				execution_id VARCHAR(64),
				task_run_id VARCHAR(64),
				level VARCHAR(16) NOT NULL,
				message TEXT NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				value JSONB NOT NULL
			);

			CREATE INDEX idx_logs_execution ON logs(execution_id);
		`,
	}
}
