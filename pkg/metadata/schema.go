package metadata

type schemaEntry struct {
	name string
	ddl  string
}

// schemaCatalog lists the tables of every service, applied in order at startup.
var schemaCatalog = []schemaEntry{
	{"s3", s3Schema},
	{"dynamodb", dynamoSchema},
	{"sqs", sqsSchema},
	{"sns", snsSchema},
	{"lambda", lambdaSchema},
	{"kms", kmsSchema},
	{"secretsmanager", secretsSchema},
	{"ecs", ecsSchema},
	{"pricing", pricingSchema},
	{"resources", resourceSchema},
}

const s3Schema = `
CREATE TABLE IF NOT EXISTS buckets (
    name                TEXT PRIMARY KEY,
    region              TEXT NOT NULL,
    owner               TEXT NOT NULL,
    versioning          TEXT NOT NULL DEFAULT 'Disabled',
    acl                 TEXT,
    policy              TEXT,
    lifecycle           TEXT,
    cors                TEXT,
    notifications       TEXT,
    public_access_block TEXT,
    object_lock         TEXT,
    tagging             TEXT,
    created_at          TEXT NOT NULL
);

-- Objects: one row per (bucket, key, version). version_id is NULL for unversioned writes.
CREATE TABLE IF NOT EXISTS objects (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    bucket           TEXT NOT NULL,
    key              TEXT NOT NULL,
    version_id       TEXT,
    is_latest        INTEGER NOT NULL DEFAULT 1,
    is_delete_marker INTEGER NOT NULL DEFAULT 0,
    content_hash     TEXT,
    size             INTEGER NOT NULL DEFAULT 0,
    content_type     TEXT,
    etag             TEXT,
    metadata         TEXT,
    tags             TEXT,
    last_modified    TEXT NOT NULL,
    FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_version ON objects(bucket, key, COALESCE(version_id, ''));
CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_latest ON objects(bucket, key) WHERE is_latest = 1;
CREATE INDEX IF NOT EXISTS idx_objects_hash ON objects(content_hash);

CREATE TABLE IF NOT EXISTS multipart_uploads (
    upload_id    TEXT PRIMARY KEY,
    bucket       TEXT NOT NULL,
    key          TEXT NOT NULL,
    content_type TEXT,
    metadata     TEXT,
    initiated    TEXT NOT NULL,
    FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS multipart_parts (
    upload_id     TEXT NOT NULL,
    part_number   INTEGER NOT NULL,
    content_hash  TEXT NOT NULL,
    size          INTEGER NOT NULL,
    etag          TEXT NOT NULL,
    last_modified TEXT NOT NULL,
    PRIMARY KEY (upload_id, part_number),
    FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
);
`

const dynamoSchema = `
CREATE TABLE IF NOT EXISTS dynamo_tables (
    name           TEXT PRIMARY KEY,
    arn            TEXT NOT NULL,
    attribute_defs TEXT NOT NULL,
    key_schema     TEXT NOT NULL,
    billing_mode   TEXT NOT NULL DEFAULT 'PAY_PER_REQUEST',
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dynamo_items (
    table_name TEXT NOT NULL,
    pk         TEXT NOT NULL,
    sk         TEXT NOT NULL DEFAULT '',
    item_json  TEXT NOT NULL,
    PRIMARY KEY (table_name, pk, sk),
    FOREIGN KEY (table_name) REFERENCES dynamo_tables(name) ON DELETE CASCADE
);
`

const sqsSchema = `
CREATE TABLE IF NOT EXISTS sqs_queues (
    name       TEXT PRIMARY KEY,
    url        TEXT NOT NULL,
    arn        TEXT NOT NULL,
    attributes TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- visible_after and sent_at are unix nanoseconds so receive can compare them in SQL.
CREATE TABLE IF NOT EXISTS sqs_messages (
    id                TEXT PRIMARY KEY,
    queue             TEXT NOT NULL,
    body              TEXT NOT NULL,
    md5               TEXT NOT NULL,
    attributes        TEXT,
    receipt_handle    TEXT UNIQUE,
    visible_after     INTEGER NOT NULL,
    sent_at           INTEGER NOT NULL,
    receive_count     INTEGER NOT NULL DEFAULT 0,
    first_received_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (queue) REFERENCES sqs_queues(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sqs_messages_visible ON sqs_messages(queue, visible_after);
`

const snsSchema = `
CREATE TABLE IF NOT EXISTS sns_topics (
    arn        TEXT PRIMARY KEY,
    name       TEXT UNIQUE NOT NULL,
    attributes TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sns_subscriptions (
    arn        TEXT PRIMARY KEY,
    topic_arn  TEXT NOT NULL,
    protocol   TEXT NOT NULL,
    endpoint   TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (topic_arn) REFERENCES sns_topics(arn) ON DELETE CASCADE
);

-- Recorded publishes and events. Nothing reads them back for delivery.
CREATE TABLE IF NOT EXISTS event_log (
    id         TEXT PRIMARY KEY,
    service    TEXT NOT NULL,
    target     TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`

const lambdaSchema = `
CREATE TABLE IF NOT EXISTS lambda_functions (
    name          TEXT PRIMARY KEY,
    arn           TEXT NOT NULL,
    runtime       TEXT NOT NULL,
    role          TEXT NOT NULL,
    handler       TEXT NOT NULL,
    description   TEXT,
    timeout       INTEGER NOT NULL DEFAULT 3,
    memory_size   INTEGER NOT NULL DEFAULT 128,
    environment   TEXT,
    code_hash     TEXT NOT NULL,
    code_size     INTEGER NOT NULL,
    code_sha256   TEXT NOT NULL,
    revision_id   TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    last_modified TEXT NOT NULL
);
`

const kmsSchema = `
CREATE TABLE IF NOT EXISTS kms_keys (
    id            TEXT PRIMARY KEY,
    arn           TEXT UNIQUE NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    usage         TEXT NOT NULL,
    spec          TEXT NOT NULL,
    state         TEXT NOT NULL,
    deletion_date TEXT,
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kms_aliases (
    name       TEXT PRIMARY KEY,
    arn        TEXT NOT NULL,
    key_id     TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (key_id) REFERENCES kms_keys(id) ON DELETE CASCADE
);
`

const secretsSchema = `
CREATE TABLE IF NOT EXISTS secrets (
    name        TEXT PRIMARY KEY,
    arn         TEXT UNIQUE NOT NULL,
    description TEXT,
    kms_key_id  TEXT,
    tags        TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted_at  TEXT
);

CREATE TABLE IF NOT EXISTS secret_versions (
    secret        TEXT NOT NULL,
    version_id    TEXT NOT NULL,
    secret_string TEXT,
    secret_binary BLOB,
    stages        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    PRIMARY KEY (secret, version_id),
    FOREIGN KEY (secret) REFERENCES secrets(name) ON DELETE CASCADE
);
`

const ecsSchema = `
CREATE TABLE IF NOT EXISTS ecs_task_definitions (
    family     TEXT NOT NULL,
    revision   INTEGER NOT NULL,
    arn        TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'ACTIVE',
    containers TEXT NOT NULL,
    attrs      TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (family, revision)
);
`

const pricingSchema = `
CREATE TABLE IF NOT EXISTS pricing_products (
    sku            TEXT PRIMARY KEY,
    service_code   TEXT NOT NULL,
    product_family TEXT NOT NULL,
    attributes     TEXT NOT NULL,
    unit           TEXT NOT NULL,
    price_per_unit TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pricing_service ON pricing_products(service_code);
`

// resources holds every control-plane entity without bespoke invariants.
const resourceSchema = `
CREATE TABLE IF NOT EXISTS resources (
    service    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    arn        TEXT NOT NULL DEFAULT '',
    state      TEXT NOT NULL DEFAULT '',
    parent     TEXT NOT NULL DEFAULT '',
    attrs      TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (service, kind, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_name ON resources(service, kind, parent, name) WHERE name <> '';
CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(service, kind, parent);
`
