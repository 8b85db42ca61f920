package sqlinline

const QEnsureSlideJobsSchema = `--sql 96bd74da-6271-4476-9dab-cbfcfc81bdbe
create table if not exists slide_jobs (
    id uuid primary key,
    lesson_id text not null,
    user_id text not null,
    slides jsonb not null,
    options jsonb not null default '{}'::jsonb,
    status text not null,
    priority integer not null default 0,
    processed_slides jsonb not null default '[]'::jsonb,
    total_slides integer not null,
    error_message text,
    attempts integer not null default 0,
    max_attempts integer not null default 3,
    cancel_requested boolean not null default false,
    worker_id text,
    created_at timestamptz not null default now(),
    started_at timestamptz,
    finished_at timestamptz,
    updated_at timestamptz not null default now(),
    available_at timestamptz not null default now()
);
create index if not exists slide_jobs_claim_idx on slide_jobs (status, priority desc, created_at) where status = 'queued';
create index if not exists slide_jobs_owner_idx on slide_jobs (lesson_id, user_id) where status in ('queued', 'processing');
create table if not exists integration_tokens (
    id uuid primary key,
    provider text not null unique,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QInsertSlideJob = `--sql f679b5a6-41d0-4441-a2f2-5586abe79d46
insert into slide_jobs (
    id, lesson_id, user_id, slides, options, status, priority,
    processed_slides, total_slides, attempts, max_attempts,
    created_at, updated_at, available_at
)
values (
    $1::uuid, $2::text, $3::text, $4::jsonb, $5::jsonb, $6::text, $7::int,
    $8::jsonb, $9::int, $10::int, $11::int,
    $12::timestamptz, $12::timestamptz, $13::timestamptz
);
`

const QSelectSlideJob = `--sql 316d5e8f-cbef-4fa8-b15f-d59766a0329c
select
    id::text, lesson_id, user_id, slides, options, status, priority,
    processed_slides, total_slides, coalesce(error_message, ''), attempts, max_attempts,
    cancel_requested, coalesce(worker_id, ''), created_at, started_at, finished_at,
    updated_at, available_at
from slide_jobs
where id = $1::uuid;
`

const QClaimSlideJob = `--sql f5868b68-3099-4b55-872c-1a795cf10488
with next_job as (
    select id
    from slide_jobs
    where status = 'queued'
      and available_at <= now()
    order by priority desc, created_at asc
    for update skip locked
    limit 1
)
update slide_jobs j
set status = 'processing',
    attempts = j.attempts + 1,
    worker_id = $1::text,
    started_at = coalesce(j.started_at, now()),
    updated_at = now()
from next_job
where j.id = next_job.id
returning
    j.id::text, j.lesson_id, j.user_id, j.slides, j.options, j.status, j.priority,
    j.processed_slides, j.total_slides, coalesce(j.error_message, ''), j.attempts, j.max_attempts,
    j.cancel_requested, coalesce(j.worker_id, ''), j.created_at, j.started_at, j.finished_at,
    j.updated_at, j.available_at;
`

// QAppendSlideResult appends one result unless the index is already present
// or the job is no longer processing.
const QAppendSlideResult = `--sql 9f68bf90-6587-4986-9041-30c5b0de051c
update slide_jobs
set processed_slides = processed_slides || jsonb_build_array($2::jsonb),
    updated_at = now()
where id = $1::uuid
  and status = 'processing'
  and $3::int >= 0
  and $3::int < total_slides
  and jsonb_array_length(processed_slides) < total_slides
  and not exists (
      select 1
      from jsonb_array_elements(processed_slides) as e
      where (e->>'index')::int = $3::int
  );
`

const QCompleteSlideJob = `--sql c965bea8-5ec6-4344-a744-07f0a6020c1a
update slide_jobs
set status = 'completed',
    error_message = null,
    finished_at = now(),
    updated_at = now()
where id = $1::uuid
  and status in ('queued', 'processing')
  and jsonb_array_length(processed_slides) = total_slides;
`

const QFailSlideJob = `--sql 67f1c98a-ba2d-49c5-840e-be4213b3ad7b
update slide_jobs
set status = 'failed',
    error_message = $2::text,
    finished_at = now(),
    updated_at = now()
where id = $1::uuid
  and status in ('queued', 'processing');
`

const QFailQueuedSlideJob = `--sql 5b0e3d7a-8c41-4f26-9e1d-73a6c2f48b90
update slide_jobs
set status = 'failed',
    error_message = $2::text,
    finished_at = now(),
    updated_at = now()
where id = $1::uuid
  and status = 'queued';
`

// QReleaseSlideJob returns an interrupted job to the queue and gives back
// the attempt its claim counted.
const QReleaseSlideJob = `--sql a3f7c915-2e6d-4b08-b4c1-d8e92f5a6c37
update slide_jobs
set status = 'queued',
    worker_id = null,
    attempts = greatest(attempts - 1, 0),
    available_at = now(),
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QRequeueSlideJob = `--sql c90404d5-aec6-4b8f-bbdb-13f8c3173942
update slide_jobs
set status = 'queued',
    worker_id = null,
    available_at = $2::timestamptz,
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QRequestCancelSlideJob = `--sql d0bd7552-4dc6-4cef-b704-7e84dacdfeda
update slide_jobs
set cancel_requested = true
where id = $1::uuid
  and status in ('queued', 'processing');
`

const QSelectSlideJobStatus = `--sql c359159b-1ca0-4d1b-abd4-1d12d71afdde
select status, jsonb_array_length(processed_slides), total_slides
from slide_jobs
where id = $1::uuid;
`

const QListStaleSlideJobs = `--sql 9f29d11c-7ad2-406e-9890-5890cfa953ed
select
    id::text, lesson_id, user_id, slides, options, status, priority,
    processed_slides, total_slides, coalesce(error_message, ''), attempts, max_attempts,
    cancel_requested, coalesce(worker_id, ''), created_at, started_at, finished_at,
    updated_at, available_at
from slide_jobs
where status = 'processing'
  and updated_at < $1::timestamptz
order by updated_at asc
limit 100;
`

const QFindActiveSlideJob = `--sql e4c535d2-0428-40ae-b68b-9f07c0f81853
select
    id::text, lesson_id, user_id, slides, options, status, priority,
    processed_slides, total_slides, coalesce(error_message, ''), attempts, max_attempts,
    cancel_requested, coalesce(worker_id, ''), created_at, started_at, finished_at,
    updated_at, available_at
from slide_jobs
where lesson_id = $1::text
  and user_id = $2::text
  and status in ('queued', 'processing')
order by created_at desc
limit 1;
`

const QPurgeSlideJobs = `--sql f4d1787f-2ac8-48e2-ba1f-7474a5d512e3
delete from slide_jobs
where status in ('completed', 'failed')
  and finished_at < $1::timestamptz;
`

const QNotifySlideJobEvent = `--sql 2c5fbe48-d658-4e05-9f92-895c59dc6d46
select pg_notify($1::text, $2::text);
`

const QSelectLessonSlides = `--sql e851bd42-d431-4e07-aa01-9016a97dc28b
select coalesce(slides, '[]'::jsonb)
from lessons
where id::text = $1::text;
`
